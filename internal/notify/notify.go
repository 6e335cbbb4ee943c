// Package notify delivers user-visible system notifications raised during a
// call, such as the recording reminder or a waiting guest.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telehealth-voice-lab/internal/logging"
)

type Kind string

const (
	KindRecordingNotStarted Kind = "recording_not_started"
	KindJoinRequest         Kind = "join_request"
	KindCallEnded           Kind = "call_ended"
)

type Notice struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	At        time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notice) error {
	logging.WarnwCtx(ctx, "notice: "+n.Title, "notice.id", n.ID, "notice.kind", string(n.Kind), "session.id", n.SessionID, "body", n.Body)
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice) error

func (f Func) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Multi delivers to every notifier, continuing past failures. The returned
// error joins the individual failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for i, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			logging.Warnw("notify: delivery failed", "notifier", fmt.Sprintf("%T", nt), "index", i, "notice.kind", string(n.Kind), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
