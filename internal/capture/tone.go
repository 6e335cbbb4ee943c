package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Tone is a device-free source that plays a sine wave in real time. It is
// used for headless runs and smoke tests of the transcription path.
type Tone struct {
	cfg  Config
	freq float64

	mu      sync.Mutex
	open    bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewTone returns a source generating freq Hz. 0 generates silence.
func NewTone(cfg Config, freq float64) *Tone {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = cfg.SampleRate / 50
	}
	return &Tone{cfg: cfg, freq: freq}
}

func (t *Tone) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("capture: tone closed")
	}
	if t.cfg.SampleRate <= 0 {
		return fmt.Errorf("capture: tone needs a sample rate")
	}
	t.open = true
	return ctx.Err()
}

func (t *Tone) Start(process ProcessFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.closed {
		return fmt.Errorf("capture: tone not open")
	}
	if t.started {
		return nil
	}
	t.started = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, process)
	return nil
}

func (t *Tone) run(ctx context.Context, process ProcessFunc) {
	defer close(t.done)
	n := t.cfg.FramesPerBuffer
	interval := time.Duration(n) * time.Second / time.Duration(t.cfg.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var pos int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk := make([]float32, n*t.cfg.Channels)
			for i := 0; i < n; i++ {
				v := float32(0.2 * math.Sin(2*math.Pi*t.freq*float64(pos)/float64(t.cfg.SampleRate)))
				for c := 0; c < t.cfg.Channels; c++ {
					chunk[i*t.cfg.Channels+c] = v
				}
				pos++
			}
			process(chunk, t.cfg.Channels)
		}
	}
}

func (t *Tone) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
