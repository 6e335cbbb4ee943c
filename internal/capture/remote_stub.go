//go:build !opus
// +build !opus

package capture

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Builds without libopus cannot decode remote tracks; the microphone source
// is unaffected.

var ErrOpusUnavailable = errors.New("capture: remote track capture requires the opus build tag")

type TrackProvider interface {
	AudioTrack(ctx context.Context) (*webrtc.TrackRemote, error)
}

type RemoteTrack struct{}

func NewRemoteTrack(Config, TrackProvider) (*RemoteTrack, error) {
	return nil, ErrOpusUnavailable
}

func (*RemoteTrack) Open(context.Context) error { return ErrOpusUnavailable }
func (*RemoteTrack) Start(ProcessFunc) error    { return ErrOpusUnavailable }
func (*RemoteTrack) Close() error               { return nil }
