//go:build portaudio
// +build portaudio

package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/telehealth-voice-lab/internal/logging"
)

// Microphone captures from a local input device through PortAudio. The
// PortAudio library handle is the audio context: initialised in Open and
// terminated once in Close.
type Microphone struct {
	cfg Config

	mu      sync.Mutex
	stream  *portaudio.Stream
	inited  bool
	started bool
	closed  bool

	process atomic.Pointer[ProcessFunc]
}

func NewMicrophone(cfg Config) *Microphone {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Microphone{cfg: cfg}
}

func (m *Microphone) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("capture: microphone closed")
	}
	if m.stream != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("capture: initialize portaudio: %w", err)
	}
	m.inited = true

	device, err := m.inputDevice()
	if err != nil {
		m.terminate()
		return err
	}
	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = m.cfg.Channels
	params.SampleRate = float64(m.cfg.SampleRate)
	params.FramesPerBuffer = m.cfg.FramesPerBuffer

	channels := m.cfg.Channels
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		if p := m.process.Load(); p != nil {
			(*p)(in, channels)
		}
	})
	if err != nil {
		m.terminate()
		return fmt.Errorf("%w: open input stream on %q: %v", ErrPermission, device.Name, err)
	}
	m.stream = stream
	logging.Infow("capture: microphone opened", "device", device.Name, "sample_rate", m.cfg.SampleRate, "channels", channels)
	return nil
}

func (m *Microphone) inputDevice() (*portaudio.DeviceInfo, error) {
	if m.cfg.Device == "" {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrPermission, err)
		}
		return d, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.EqualFold(d.Name, m.cfg.Device) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("capture: input device %q not found", m.cfg.Device)
}

func (m *Microphone) Start(process ProcessFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil || m.closed {
		return fmt.Errorf("capture: microphone not open")
	}
	m.process.Store(&process)
	if m.started {
		return nil
	}
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("capture: start stream: %w", err)
	}
	m.started = true
	return nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.process.Store(nil)
	var firstErr error
	if m.stream != nil {
		if m.started {
			if err := m.stream.Stop(); err != nil {
				firstErr = fmt.Errorf("capture: stop stream: %w", err)
			}
		}
		if err := m.stream.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("capture: close stream: %w", err)
		}
		m.stream = nil
	}
	if err := m.terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.Debugw("capture: microphone released")
	return firstErr
}

func (m *Microphone) terminate() error {
	if !m.inited {
		return nil
	}
	m.inited = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("capture: terminate portaudio: %w", err)
	}
	return nil
}
