// Package capture owns the raw audio capture device for a session. A Source
// is opened once, feeds interleaved float chunks to a processing callback,
// and releases the device exactly once on Close.
package capture

import (
	"context"
	"errors"
)

// ErrPermission is returned by Open when the operating system or the call
// transport refuses access to the capture device.
var ErrPermission = errors.New("capture: device access denied")

// ProcessFunc receives interleaved float samples in [-1, 1]. It runs on the
// capture thread and must not block.
type ProcessFunc func(chunk []float32, channels int)

type Source interface {
	// Open acquires the device and audio context.
	Open(ctx context.Context) error
	// Start begins delivering chunks to process.
	Start(process ProcessFunc) error
	// Close stops delivery and releases the device. Safe to call repeatedly.
	Close() error
}

type Config struct {
	SampleRate int
	Channels   int
	// FramesPerBuffer is the callback chunk size in frames; 0 lets the
	// backend pick.
	FramesPerBuffer int
	// Device selects an input device by name; empty means the default.
	Device string
}
