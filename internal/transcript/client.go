package transcript

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telehealth-voice-lab/internal/audio"
	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
)

var ErrClosed = errors.New("transcript: stream closed")

// silenceMessage tells the backend capture is paused on purpose.
var silenceMessage = []byte(`{"audio": null}`)

type ReconnectConfig struct {
	// MaxAttempts per disconnect; 0 disables reconnection and the stream
	// stays down after the first socket error.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Config struct {
	// BaseURL is the transcription host, e.g. https://stt.example.com.
	// http and https are rewritten to ws and wss.
	BaseURL   string
	Role      string
	UserID    string
	SessionID string
	Header    http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
	Reconnect        ReconnectConfig

	// FrameDuration caps the write deadline of each audio frame so a
	// stalled socket holds capture for at most one frame.
	FrameDuration time.Duration

	Metrics *metrics.Metrics
	Dialer  *websocket.Dialer
}

// StreamURL builds <base>/realtime/ws/{role}/{userId}/{sessionId}.
func StreamURL(base, role, userID, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("transcript: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transcript: unsupported scheme %q", u.Scheme)
	}
	for _, part := range []string{role, userID, sessionID} {
		if part == "" {
			return "", errors.New("transcript: role, user id and session id are required")
		}
	}
	raw := strings.TrimRight(u.EscapedPath(), "/") + "/realtime/ws/" +
		url.PathEscape(role) + "/" + url.PathEscape(userID) + "/" + url.PathEscape(sessionID)
	if u.Path, err = url.PathUnescape(raw); err != nil {
		return "", fmt.Errorf("transcript: build path: %w", err)
	}
	u.RawPath = raw
	return u.String(), nil
}

// Client owns the single socket to the transcription backend. Audio goes
// out fire-and-forget; inbound messages become entries in Buffer and are
// published to subscribers in receipt order.
type Client struct {
	cfg    Config
	url    string
	dialer *websocket.Dialer
	fields []interface{}

	buffer *Buffer
	bcast  *Broadcaster

	writeMu sync.Mutex
	mu      sync.RWMutex
	conn    *websocket.Conn
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Dial opens the stream. The returned client owns the socket until Close.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := StreamURL(cfg.BaseURL, cfg.Role, cfg.UserID, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		if cfg.HandshakeTimeout > 0 {
			d.HandshakeTimeout = cfg.HandshakeTimeout
		}
		dialer = &d
	}
	c := &Client{
		cfg:    cfg,
		url:    u,
		dialer: dialer,
		fields: []interface{}{"session.id", cfg.SessionID, "session.role", cfg.Role},
		buffer: NewBuffer(cfg.BufferSize),
		bcast:  NewBroadcaster(cfg.Metrics),
		done:   make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	logging.Infow("transcript: stream connected", append(c.fields, "url", u)...)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transcript: dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transcript: dial %s: %w", c.url, err)
	}
	return conn, nil
}

// URL the client is connected to.
func (c *Client) URL() string { return c.url }

// Buffer holds the bounded transcript for this stream.
func (c *Client) Buffer() *Buffer { return c.buffer }

// Subscribe attaches a display surface to the entry stream.
func (c *Client) Subscribe(buffer int) *Subscription { return c.bcast.Subscribe(buffer) }

// Done is closed when the read loop has stopped, either after Close or
// once the socket failed and reconnection gave up.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendFrame writes the frame as one binary WAV message.
func (c *Client) SendFrame(f audio.Frame) error {
	timeout := c.cfg.WriteTimeout
	if c.cfg.FrameDuration > 0 && c.cfg.FrameDuration < timeout {
		timeout = c.cfg.FrameDuration
	}
	return c.write(websocket.BinaryMessage, audio.EncodeWAV(f), timeout)
}

// SendSilence writes the mute control message.
func (c *Client) SendSilence() error {
	return c.write(websocket.TextMessage, silenceMessage, c.cfg.WriteTimeout)
}

func (c *Client) write(kind int, data []byte, timeout time.Duration) error {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("transcript: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Infow("transcript: stream closed by backend", append(c.fields, "err", err)...)
			} else {
				logging.Warnw("transcript: stream read failed", append(c.fields, "err", err)...)
			}
			if !c.reconnect() {
				return
			}
			continue
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	e, ok := Parse(data, time.Now().UTC())
	if !ok {
		logging.Debugw("transcript: ignoring message without text", append(c.fields, "bytes", len(data))...)
		return
	}
	e = c.buffer.Append(e)
	c.cfg.Metrics.TranscriptReceived()
	c.bcast.Publish(e)
}

// reconnect replaces the socket with exponential backoff. It reports false
// when reconnection is disabled, exhausted, or the client was closed.
func (c *Client) reconnect() bool {
	rc := c.cfg.Reconnect
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	if rc.MaxAttempts <= 0 {
		logging.Warnw("transcript: stream down, continuing without transcription", c.fields...)
		return false
	}
	backoff := rc.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		c.cfg.Metrics.TranscriptReconnectAttempt()
		conn, err := c.dial(c.ctx)
		if err != nil {
			logging.Warnw("transcript: reconnect failed", append(c.fields, "attempt", attempt, "err", err)...)
			backoff *= 2
			if rc.MaxBackoff > 0 && backoff > rc.MaxBackoff {
				backoff = rc.MaxBackoff
			}
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return false
		}
		c.conn = conn
		c.mu.Unlock()
		logging.Infow("transcript: stream reconnected", append(c.fields, "attempt", attempt)...)
		return true
	}
	logging.Warnw("transcript: giving up on stream", append(c.fields, "attempts", rc.MaxAttempts)...)
	return false
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close sends a close frame, closes the socket and every subscription.
// Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		c.cancel()
		if conn != nil {
			c.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}
		<-c.done
		c.bcast.Close()
		logging.Infow("transcript: stream closed", append(c.fields, "entries", c.buffer.Len())...)
	})
	return err
}
