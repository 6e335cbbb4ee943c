package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/notify"
)

// Teardown step names, in execution order.
const (
	StepTimers     = "cancel_timers"
	StepAudio      = "release_audio"
	StepTranscript = "close_transcript"
	StepRecording  = "stop_recording"
	StepLeave      = "leave_call"
	StepNotifyEnd  = "notify_end_call"
	StepPostCall   = "post_call"
)

const placeholderAppID = "{appointmentId}"

type StepResult struct {
	Name    string `json:"name"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TeardownReport lists what each step did. Failures are reported here and
// logged; they never stop the remaining steps.
type TeardownReport struct {
	Steps []StepResult `json:"steps"`
	err   error
}

// Err joins every step failure, nil when all steps succeeded.
func (r TeardownReport) Err() error { return r.err }

type step struct {
	name string
	run  func(ctx context.Context) (skipped bool, err error)
}

// Teardown releases everything the session acquired. The first call does
// the work; later calls return the same report.
func (s *Session) Teardown() TeardownReport {
	s.teardownOnce.Do(func() {
		s.report = s.teardown()
		close(s.tornDown)
	})
	<-s.tornDown
	return s.report
}

func (s *Session) teardown() TeardownReport {
	s.mu.Lock()
	s.ending = true
	joined := !s.joinedAt.IsZero()
	call, ch, host := s.call, s.channel, s.host
	src, framer, stream, w := s.source, s.framer, s.stream, s.watchdog
	s.mu.Unlock()

	fields := s.fields()
	steps := []step{
		{StepTimers, func(context.Context) (bool, error) {
			s.cancel()
			if w == nil {
				return false, nil
			}
			w.CancelTimers()
			return false, nil
		}},
		{StepAudio, func(context.Context) (bool, error) {
			if framer == nil && src == nil {
				return true, nil
			}
			var errs []error
			if framer != nil {
				errs = append(errs, framer.Close())
			}
			if src != nil {
				errs = append(errs, src.Close())
			}
			return false, errors.Join(errs...)
		}},
		{StepTranscript, func(context.Context) (bool, error) {
			if stream == nil {
				return true, nil
			}
			return false, stream.Close()
		}},
		{StepRecording, func(ctx context.Context) (bool, error) {
			if w == nil {
				return true, nil
			}
			return false, w.Stop(ctx)
		}},
		{StepLeave, func(context.Context) (bool, error) {
			if host != nil {
				host.Close()
			}
			if ch != nil {
				_ = ch.Close()
			}
			if call == nil {
				return true, nil
			}
			return false, call.Leave()
		}},
		{StepNotifyEnd, func(ctx context.Context) (bool, error) {
			if !s.isHost() || !joined {
				return true, nil
			}
			s.announceEnd(ctx)
			if s.deps.Backend == nil {
				return false, nil
			}
			return false, s.deps.Backend.NotifyEndCall(ctx, s.cfg.AppointmentID, s.cfg.Self.ID)
		}},
		{StepPostCall, func(context.Context) (bool, error) {
			if !s.isHost() || !joined || s.deps.OnPostCall == nil {
				return true, nil
			}
			s.deps.OnPostCall(s.documentationURL())
			return false, nil
		}},
	}

	var report TeardownReport
	var errs []error
	for _, st := range steps {
		res := StepResult{Name: st.name}
		skipped, err := s.runStep(st)
		res.Skipped = skipped
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			s.deps.Metrics.TeardownFailure(st.name)
			logging.Warnw("session: teardown step failed", append(fields, "step", st.name, "err", err)...)
		}
		report.Steps = append(report.Steps, res)
	}
	report.err = errors.Join(errs...)

	s.setState(StateEnded)
	logging.Infow("session: torn down", append(fields, "failed_steps", len(errs))...)
	return report
}

// runStep bounds each step and turns a panic into a step failure.
func (s *Session) runStep(st step) (skipped bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StepTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.run(ctx)
}

func (s *Session) documentationURL() string {
	return strings.ReplaceAll(s.cfg.DocumentationURL, placeholderAppID, s.cfg.AppointmentID)
}

// announceEnd tells the care team the host's call is over. Failures are
// logged only.
func (s *Session) announceEnd(ctx context.Context) {
	s.mu.Lock()
	joinedAt := s.joinedAt
	s.mu.Unlock()
	now := time.Now().UTC()
	n := notify.Notice{
		ID:        uuid.NewString(),
		Kind:      notify.KindCallEnded,
		SessionID: s.cfg.SessionID,
		Title:     "Call ended",
		Body:      fmt.Sprintf("Appointment %s ended after %s.", s.cfg.AppointmentID, now.Sub(joinedAt).Round(time.Second)),
		At:        now,
	}
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		logging.Warnw("session: call ended notice failed", append(s.fields(), "err", err)...)
	}
}
