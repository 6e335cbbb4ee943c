// Package audio turns captured microphone chunks into fixed-duration mono
// PCM frames and serialises them as WAV blobs for the transcription stream.
package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
)

const (
	DefaultSampleRate    = 16000
	DefaultFrameDuration = 250 * time.Millisecond
)

var ErrClosed = errors.New("audio: framer closed")

// Frame is one fixed-duration slice of mono 16-bit audio. Frames are handed
// to the sink and never retained by the framer.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Seq        uint64
	CapturedAt time.Time
}

// Duration of audio carried by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// FrameSink receives frames in capture order. Both methods are called from
// the capture callback and must return quickly.
type FrameSink interface {
	SendFrame(Frame) error
	SendSilence() error
}

type FramerConfig struct {
	SampleRate    int
	FrameDuration time.Duration
	// Fields are attached to every log line emitted by the framer.
	Fields []interface{}
}

// Framer accumulates captured samples in a ring buffer and emits one frame
// every FrameDuration of audio.
type Framer struct {
	sink      FrameSink
	metrics   *metrics.Metrics
	rate      int
	frameSize int
	fields    []interface{}

	muted  atomic.Bool
	mu     sync.Mutex
	buf    *ring
	seq    uint64
	closed bool
	now    func() time.Time
}

func NewFramer(cfg FramerConfig, sink FrameSink, m *metrics.Metrics) (*Framer, error) {
	if sink == nil {
		return nil, errors.New("audio: nil frame sink")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	size := int(int64(cfg.SampleRate) * int64(cfg.FrameDuration) / int64(time.Second))
	if size <= 0 {
		return nil, fmt.Errorf("audio: frame duration %s too short for %d Hz", cfg.FrameDuration, cfg.SampleRate)
	}
	return &Framer{
		sink:      sink,
		metrics:   m,
		rate:      cfg.SampleRate,
		frameSize: size,
		fields:    cfg.Fields,
		buf:       newRing(size * 2),
		now:       time.Now,
	}, nil
}

// FrameSize is the number of samples in each emitted frame.
func (f *Framer) FrameSize() int { return f.frameSize }

func (f *Framer) SetMuted(m bool) { f.muted.Store(m) }

func (f *Framer) Muted() bool { return f.muted.Load() }

// Process is the capture callback. chunk holds interleaved float samples in
// [-1, 1] for the given number of channels. Any complete frames are handed
// to the sink before Process returns.
//
// While muted the chunk is dropped and exactly one silence signal is sent.
// Samples buffered before mute are kept and complete the next frame once
// capture resumes.
func (f *Framer) Process(chunk []float32, channels int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.muted.Load() {
		if err := f.sink.SendSilence(); err != nil {
			logging.Warnw("audio: silence signal failed", append(f.fields, "err", err)...)
		}
		f.metrics.SilenceSent()
		return nil
	}
	f.buf.Push(downmix(chunk, channels))
	for f.buf.Len() >= f.frameSize {
		f.seq++
		frame := Frame{
			Samples:    f.buf.Pop(f.frameSize),
			SampleRate: f.rate,
			Channels:   1,
			Seq:        f.seq,
			CapturedAt: f.now(),
		}
		if err := f.sink.SendFrame(frame); err != nil {
			f.metrics.FrameSendError()
			logging.Warnw("audio: frame send failed", append(append(f.fields, logging.FrameFields(frame.Seq, len(frame.Samples), frame.SampleRate)...), "err", err)...)
			continue
		}
		f.metrics.FrameSent()
	}
	return nil
}

// Buffered reports how many samples are waiting for the next frame.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Len()
}

// Seq returns the sequence number of the last emitted frame, 0 before the
// first one.
func (f *Framer) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Close discards buffered samples. The framer cannot be restarted.
func (f *Framer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.buf.Reset()
	return nil
}

// downmix averages interleaved channels into mono int16.
func downmix(chunk []float32, channels int) []int16 {
	if channels <= 0 {
		channels = 1
	}
	n := len(chunk) / channels
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += chunk[i*channels+c]
		}
		out[i] = toInt16(sum / float32(channels))
	}
	return out
}

func toInt16(v float32) int16 {
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return math.MinInt16
	}
	return int16(v * math.MaxInt16)
}
