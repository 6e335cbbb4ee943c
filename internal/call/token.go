// Package call adapts a LiveKit room to the session: credentials, the
// custom data channel used for waiting-room signaling, participant counts
// for the capacity check, remote audio tracks and egress recording.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/telehealth-voice-lab/internal/participant"
)

// DefaultTokenTTL covers a long appointment with room to spare.
const DefaultTokenTTL = 2 * time.Hour

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	Room      string

	Identity string
	Name     string
	Role     participant.Role
	TokenTTL time.Duration
}

func (c Config) validate() error {
	switch {
	case c.URL == "":
		return errors.New("call: livekit url required")
	case c.APIKey == "" || c.APISecret == "":
		return errors.New("call: livekit api key and secret required")
	case c.Room == "":
		return errors.New("call: room required")
	case c.Identity == "":
		return errors.New("call: identity required")
	}
	return nil
}

// Token mints the media-transport credential for cfg.Identity. Only the
// host may start room recordings.
func Token(cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	at := auth.NewAccessToken(cfg.APIKey, cfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin:   true,
		Room:       cfg.Room,
		RoomRecord: cfg.Role == participant.RoleHost,
	}
	at.AddGrant(grant).
		SetIdentity(cfg.Identity).
		SetName(cfg.Name).
		SetValidFor(ttl)
	tok, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("call: sign token: %w", err)
	}
	return tok, nil
}
