package waitroom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
	"github.com/telehealth-voice-lab/internal/participant"
	"github.com/telehealth-voice-lab/internal/signaling"
)

// Request is a guest's outstanding ask to join. Its ID is the guest's
// participant id.
type Request struct {
	Participant participant.Participant `json:"participant"`
	CreatedAt   time.Time               `json:"created_at"`
}

func (r Request) ID() string { return r.Participant.ID }

type HostConfig struct {
	Metrics *metrics.Metrics
	// OnRequest is called on the dispatch goroutine whenever a request
	// becomes pending, including when it supersedes an earlier one.
	OnRequest func(Request)
	// OnAbandon is called when the pending request goes away without a
	// decision.
	OnAbandon func(Request)
}

// Host holds zero or one pending request. A new join request replaces the
// pending one (last request wins).
type Host struct {
	cfg HostConfig
	ch  *signaling.Channel
	now func() time.Time

	mu          sync.Mutex
	pending     *Request
	unsubscribe func()
}

// NewHost starts listening on ch. Call Close to stop.
func NewHost(cfg HostConfig, ch *signaling.Channel) *Host {
	h := &Host{cfg: cfg, ch: ch, now: time.Now}
	h.unsubscribe = ch.Subscribe(h.handle)
	return h
}

func (h *Host) handle(m signaling.Message) {
	switch m.Type {
	case signaling.JoinRequest:
		req := Request{
			Participant: participant.Participant{ID: m.User.ID, Name: m.User.Name, Role: participant.RoleGuest},
			CreatedAt:   h.now(),
		}
		h.mu.Lock()
		prev := h.pending
		h.pending = &req
		h.mu.Unlock()
		fields := logging.ParticipantFields(req.Participant.ID, req.Participant.Name)
		if prev != nil && prev.ID() != req.ID() {
			h.cfg.Metrics.JoinRequest("superseded")
			logging.Infow("waitroom: pending request superseded", append(fields, "previous.id", prev.ID())...)
		} else {
			logging.Infow("waitroom: join request pending", fields...)
		}
		if h.cfg.OnRequest != nil {
			h.cfg.OnRequest(req)
		}
	case signaling.JoinCancelled:
		if req, ok := h.clear(m.User.ID); ok {
			logging.Infow("waitroom: guest withdrew request", logging.ParticipantFields(req.Participant.ID, req.Participant.Name)...)
			if h.cfg.OnAbandon != nil {
				h.cfg.OnAbandon(req)
			}
		}
	}
}

// Pending returns the current request, if any.
func (h *Host) Pending() (Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return Request{}, false
	}
	return *h.pending, true
}

// Approve admits the pending request with the given id.
func (h *Host) Approve(ctx context.Context, id string) error {
	return h.decide(ctx, id, signaling.JoinAccepted)
}

// Reject denies the pending request with the given id.
func (h *Host) Reject(ctx context.Context, id string) error {
	return h.decide(ctx, id, signaling.JoinRejected)
}

func (h *Host) decide(ctx context.Context, id string, decision signaling.Type) error {
	h.mu.Lock()
	if h.pending == nil || h.pending.ID() != id {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, id)
	}
	req := *h.pending
	h.mu.Unlock()

	msg := signaling.Message{Type: decision, User: signaling.User{ID: req.Participant.ID, Name: req.Participant.Name}}
	if err := h.ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("waitroom: send %s: %w", decision, err)
	}
	// The request may have been superseded while sending; only clear our own.
	h.clearIf(req)
	logging.Infow("waitroom: decision sent", append(logging.ParticipantFields(req.Participant.ID, req.Participant.Name), "decision", decision)...)
	return nil
}

// Abandon drops the pending request when its guest leaves the call.
func (h *Host) Abandon(id string) {
	if req, ok := h.clear(id); ok {
		logging.Infow("waitroom: guest left while waiting", logging.ParticipantFields(req.Participant.ID, req.Participant.Name)...)
		if h.cfg.OnAbandon != nil {
			h.cfg.OnAbandon(req)
		}
	}
}

func (h *Host) clear(id string) (Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil || h.pending.ID() != id {
		return Request{}, false
	}
	req := *h.pending
	h.pending = nil
	return req, true
}

func (h *Host) clearIf(req Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil && *h.pending == req {
		h.pending = nil
	}
}

// Close stops listening for requests.
func (h *Host) Close() {
	h.mu.Lock()
	unsub := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
