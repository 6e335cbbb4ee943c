//go:build opus
// +build opus

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"

	"github.com/telehealth-voice-lab/internal/logging"
)

// maxOpusFrame is 120ms at 48kHz, the longest frame an opus packet carries.
const maxOpusFrame = 5760

// TrackProvider resolves the remote audio track to tap. It blocks until a
// track is subscribed or ctx ends.
type TrackProvider interface {
	AudioTrack(ctx context.Context) (*webrtc.TrackRemote, error)
}

// RemoteTrack taps a subscribed opus track from the call transport and
// decodes it to float PCM at the configured sample rate.
type RemoteTrack struct {
	cfg      Config
	provider TrackProvider

	mu      sync.Mutex
	track   *webrtc.TrackRemote
	dec     *opus.Decoder
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool

	process    atomic.Pointer[ProcessFunc]
	decodeErrs atomic.Int64
}

func NewRemoteTrack(cfg Config, provider TrackProvider) (*RemoteTrack, error) {
	if provider == nil {
		return nil, errors.New("capture: nil track provider")
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &RemoteTrack{cfg: cfg, provider: provider}, nil
}

func (r *RemoteTrack) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("capture: remote track closed")
	}
	if r.track != nil {
		return nil
	}
	track, err := r.provider.AudioTrack(ctx)
	if err != nil {
		return fmt.Errorf("capture: wait for remote audio track: %w", err)
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return fmt.Errorf("capture: track %s is %s, not audio", track.ID(), track.Kind())
	}
	dec, err := opus.NewDecoder(r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return fmt.Errorf("capture: create opus decoder: %w", err)
	}
	r.track = track
	r.dec = dec
	r.ctx, r.cancel = context.WithCancel(context.Background())
	logging.Infow("capture: remote track opened", "track_id", track.ID(), "codec", track.Codec().MimeType)
	return nil
}

func (r *RemoteTrack) Start(process ProcessFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.track == nil || r.closed {
		return fmt.Errorf("capture: remote track not open")
	}
	r.process.Store(&process)
	if r.started {
		return nil
	}
	r.started = true
	go r.readLoop(r.ctx, r.track, r.dec)
	return nil
}

func (r *RemoteTrack) readLoop(ctx context.Context, track *webrtc.TrackRemote, dec *opus.Decoder) {
	pcm := make([]float32, maxOpusFrame*r.cfg.Channels)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				logging.Warnw("capture: remote track read failed", "track_id", track.ID(), "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			if c := r.decodeErrs.Add(1); c == 1 || c%100 == 0 {
				logging.Warnw("capture: opus decode failed", "track_id", track.ID(), "errors", c, "err", err)
			}
			continue
		}
		if p := r.process.Load(); p != nil {
			chunk := make([]float32, n*r.cfg.Channels)
			copy(chunk, pcm[:n*r.cfg.Channels])
			(*p)(chunk, r.cfg.Channels)
		}
	}
}

// Close stops forwarding. The read goroutine exits on the next packet or
// when the transport ends the track.
func (r *RemoteTrack) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.process.Store(nil)
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}
