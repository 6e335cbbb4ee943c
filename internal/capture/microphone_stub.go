//go:build !portaudio
// +build !portaudio

package capture

import (
	"context"
	"errors"
)

// Builds without the portaudio tag have no local device access; use the
// tone or remote-track sources instead.

var ErrPortAudioUnavailable = errors.New("capture: microphone capture requires the portaudio build tag")

type Microphone struct{}

func NewMicrophone(Config) *Microphone { return &Microphone{} }

func (*Microphone) Open(context.Context) error { return ErrPortAudioUnavailable }
func (*Microphone) Start(ProcessFunc) error    { return ErrPortAudioUnavailable }
func (*Microphone) Close() error               { return nil }
