package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/session"
	"github.com/telehealth-voice-lab/internal/transcript"
)

var errNotConnected = errors.New("control: client not connected")

// Client calls a running session's control tools.
type Client struct {
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
}

func NewClient(name, version string) *Client {
	return &Client{client: sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)}
}

// ConnectWebSocket dials the session's /mcp/ws endpoint. http and https
// URLs are rewritten to ws and wss.
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", u.Redacted(), err)
	}
	if err := c.Connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Debugw("control: connected", "url", u.Redacted())
	return nil
}

// Connect starts a session over t and keeps it alive with pings.
func (c *Client) Connect(ctx context.Context, t sdk.Transport) error {
	sess, err := c.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("control: mcp connect: %w", err)
	}
	kctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session = sess
	c.keepaliveCancel = cancel
	c.mu.Unlock()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
				_ = sess.Ping(kctx, nil)
			}
		}
	}()
	return nil
}

func (c *Client) call(ctx context.Context, name string, args interface{}, out interface{}) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return errNotConnected
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("control: call %s: %w", name, err)
	}
	if res.IsError {
		return fmt.Errorf("control: %s: %w", name, toolError(res))
	}
	if out == nil {
		return nil
	}
	for _, content := range res.Content {
		if t, ok := content.(*sdk.TextContent); ok {
			return json.Unmarshal([]byte(t.Text), out)
		}
	}
	return fmt.Errorf("control: %s: empty result", name)
}

func (c *Client) Status(ctx context.Context) (session.Status, error) {
	var st session.Status
	err := c.call(ctx, ToolStatus, nil, &st)
	return st, err
}

func (c *Client) Pending(ctx context.Context) (PendingReply, error) {
	var r PendingReply
	err := c.call(ctx, ToolPending, nil, &r)
	return r, err
}

// Approve admits id, or the pending guest when id is empty.
func (c *Client) Approve(ctx context.Context, id string) error {
	return c.call(ctx, ToolApprove, decisionArgs{ID: id}, nil)
}

// Reject denies id, or the pending guest when id is empty.
func (c *Client) Reject(ctx context.Context, id string) error {
	return c.call(ctx, ToolReject, decisionArgs{ID: id}, nil)
}

func (c *Client) DismissReminder(ctx context.Context) error {
	return c.call(ctx, ToolDismissReminder, nil, nil)
}

func (c *Client) Transcript(ctx context.Context, limit int) ([]transcript.Entry, error) {
	var entries []transcript.Entry
	err := c.call(ctx, ToolTranscript, transcriptArgs{Limit: limit}, &entries)
	return entries, err
}

func (c *Client) EndCall(ctx context.Context) (session.TeardownReport, error) {
	var r session.TeardownReport
	err := c.call(ctx, ToolEndCall, nil, &r)
	return r, err
}

func (c *Client) Close() error {
	c.mu.Lock()
	sess, cancel := c.session, c.keepaliveCancel
	c.session, c.keepaliveCancel = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		return sess.Close()
	}
	return nil
}
