// Package waitroom implements the waiting-room protocol: a guest asks to
// join and blocks until the host admits or denies them, and the host holds
// at most one pending request at a time.
package waitroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
	"github.com/telehealth-voice-lab/internal/participant"
	"github.com/telehealth-voice-lab/internal/signaling"
)

// DefaultCapacity is a doctor and a patient.
const DefaultCapacity = 2

var (
	ErrCallFull         = errors.New("waitroom: call is full")
	ErrRejected         = errors.New("waitroom: join request rejected")
	ErrCancelled        = errors.New("waitroom: join request cancelled")
	ErrApprovalTimeout  = errors.New("waitroom: no decision before timeout")
	ErrNoPendingRequest = errors.New("waitroom: no matching pending request")
)

type GuestState int

const (
	StateConnecting GuestState = iota
	StateAwaitingApproval
	StateJoined
	StateRejected
	StateCancelled
	StateCallFull
	StateTimedOut
)

func (s GuestState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateJoined:
		return "joined"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	case StateCallFull:
		return "call_full"
	case StateTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("GuestState(%d)", int(s))
}

// ParticipantCounter reports how many other participants are in the call.
type ParticipantCounter interface {
	OtherParticipants(ctx context.Context) (int, error)
}

type GuestConfig struct {
	Self     participant.Participant
	Capacity int
	// ApprovalTimeout bounds the wait for a decision; 0 waits until the
	// context ends.
	ApprovalTimeout time.Duration
	Metrics         *metrics.Metrics
	// OnState observes every state transition.
	OnState func(GuestState)
}

// Guest runs the joining side of the protocol for one participant.
type Guest struct {
	cfg     GuestConfig
	ch      *signaling.Channel
	counter ParticipantCounter

	mu    sync.Mutex
	state GuestState
}

func NewGuest(cfg GuestConfig, ch *signaling.Channel, counter ParticipantCounter) *Guest {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Guest{cfg: cfg, ch: ch, counter: counter}
}

func (g *Guest) State() GuestState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guest) setState(s GuestState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	if g.cfg.OnState != nil {
		g.cfg.OnState(s)
	}
}

// Join checks capacity, sends a join request and blocks until a matching
// decision arrives. Cancelling ctx abandons the request.
func (g *Guest) Join(ctx context.Context) (GuestState, error) {
	self := g.cfg.Self
	fields := logging.ParticipantFields(self.ID, self.Name)
	g.setState(StateConnecting)

	if g.counter != nil {
		n, err := g.counter.OtherParticipants(ctx)
		if err != nil {
			return StateConnecting, fmt.Errorf("waitroom: count participants: %w", err)
		}
		if n >= g.cfg.Capacity {
			g.setState(StateCallFull)
			g.cfg.Metrics.JoinRequest("call_full")
			logging.Infow("waitroom: call full, not requesting entry", append(fields, "participants", n)...)
			return StateCallFull, ErrCallFull
		}
	}

	decisions := make(chan signaling.Type, 1)
	unsubscribe := g.ch.Subscribe(func(m signaling.Message) {
		if m.User.ID != self.ID {
			return
		}
		if m.Type != signaling.JoinAccepted && m.Type != signaling.JoinRejected {
			return
		}
		select {
		case decisions <- m.Type:
		default:
		}
	})
	defer unsubscribe()

	g.setState(StateAwaitingApproval)
	req := signaling.Message{Type: signaling.JoinRequest, User: signaling.User{ID: self.ID, Name: self.Name}}
	if err := g.ch.Send(ctx, req); err != nil {
		g.setState(StateConnecting)
		return StateConnecting, fmt.Errorf("waitroom: send join request: %w", err)
	}
	g.cfg.Metrics.JoinRequest("requested")
	logging.Infow("waitroom: awaiting approval", fields...)

	var timeout <-chan time.Time
	if g.cfg.ApprovalTimeout > 0 {
		t := time.NewTimer(g.cfg.ApprovalTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-decisions:
		if d == signaling.JoinAccepted {
			g.setState(StateJoined)
			g.cfg.Metrics.JoinRequest("accepted")
			logging.Infow("waitroom: admitted", fields...)
			return StateJoined, nil
		}
		g.setState(StateRejected)
		g.cfg.Metrics.JoinRequest("rejected")
		logging.Infow("waitroom: denied", fields...)
		return StateRejected, ErrRejected
	case <-timeout:
		g.abandon(fields)
		g.setState(StateTimedOut)
		g.cfg.Metrics.JoinRequest("timed_out")
		return StateTimedOut, ErrApprovalTimeout
	case <-ctx.Done():
		g.abandon(fields)
		g.setState(StateCancelled)
		g.cfg.Metrics.JoinRequest("cancelled")
		return StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// abandon tells the host the request is gone. ctx may already be done, so
// a short independent deadline is used.
func (g *Guest) abandon(fields []interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg := signaling.Message{Type: signaling.JoinCancelled, User: signaling.User{ID: g.cfg.Self.ID, Name: g.cfg.Self.Name}}
	if err := g.ch.Send(ctx, msg); err != nil {
		logging.Debugw("waitroom: cancel notice not sent", append(fields, "err", err)...)
	}
}
