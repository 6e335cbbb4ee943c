package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telehealth-voice-lab/internal/audio"
	"github.com/telehealth-voice-lab/internal/backend"
	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/notify"
	"github.com/telehealth-voice-lab/internal/recording"
	"github.com/telehealth-voice-lab/internal/signaling"
	"github.com/telehealth-voice-lab/internal/waitroom"
)

func (s *Session) fields() []interface{} {
	return append(logging.SessionFields(s.cfg.SessionID, s.cfg.Self.Role.String()),
		logging.ParticipantFields(s.cfg.Self.ID, s.cfg.Self.Name)...)
}

// Run drives the session until the call ends, then tears it down. It
// returns nil after a normal end and the gating error when the participant
// never joined.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	defer s.Teardown()

	runCtx := logging.WithFields(s.ctx, s.fields()...)
	if err := s.setup(runCtx); err != nil {
		if errors.Is(err, ErrEnded) || (s.ctx.Err() != nil && !isGateError(err)) {
			logging.InfowCtx(runCtx, "session: ended during setup", "err", err)
			return nil
		}
		logging.WarnwCtx(runCtx, "session: setup failed", "err", err)
		return err
	}
	s.wait(runCtx)
	return nil
}

func isGateError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, waitroom.ErrCallFull) ||
		errors.Is(err, waitroom.ErrRejected) || errors.Is(err, waitroom.ErrApprovalTimeout)
}

func (s *Session) setup(ctx context.Context) error {
	s.setState(StateConnecting)
	token, err := s.deps.Transport.Token(s.cfg.Self)
	if err != nil {
		return fmt.Errorf("session: credentials: %w", err)
	}

	events := CallEvents{
		OnData: func(payload []byte, sender string) {
			s.mu.Lock()
			c := s.channel
			s.mu.Unlock()
			if c != nil {
				_ = c.Deliver(payload, sender)
			}
		},
		OnParticipantLeft: func(identity string) {
			if h := s.Host(); h != nil {
				h.Abandon(identity)
			}
		},
	}
	call, err := s.deps.Transport.Connect(ctx, token, events)
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	ch := signaling.NewChannel(call)
	if !s.hold(func() { s.call, s.channel = call, ch }) {
		_ = ch.Close()
		_ = call.Leave()
		return ErrEnded
	}

	src, err := s.deps.Capture(call)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !s.hold(func() { s.source = src }) {
		_ = src.Close()
		return ErrEnded
	}
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	if err := s.gate(ctx, call, ch); err != nil {
		return err
	}
	return s.joined(ctx)
}

// gate blocks a guest until a decision arrives; the host enters directly
// and starts taking requests.
func (s *Session) gate(ctx context.Context, call Call, ch *signaling.Channel) error {
	if s.isHost() {
		host := waitroom.NewHost(waitroom.HostConfig{
			Metrics:   s.deps.Metrics,
			OnRequest: s.announceRequest,
		}, ch)
		if !s.hold(func() { s.host = host }) {
			host.Close()
			return ErrEnded
		}
		return nil
	}

	s.setState(StateAwaitingApproval)
	guest := waitroom.NewGuest(waitroom.GuestConfig{
		Self:            s.cfg.Self,
		Capacity:        s.cfg.Capacity,
		ApprovalTimeout: s.cfg.ApprovalTimeout,
		Metrics:         s.deps.Metrics,
	}, ch, call)
	_, err := guest.Join(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, waitroom.ErrCallFull):
		s.setState(StateCallFull)
		s.redirectDelay(ctx)
	case errors.Is(err, waitroom.ErrRejected):
		s.setState(StateRejected)
	case errors.Is(err, waitroom.ErrApprovalTimeout):
		s.setState(StateTimedOut)
	}
	return err
}

// redirectDelay keeps the call-full notice on screen before leaving.
func (s *Session) redirectDelay(ctx context.Context) {
	t := time.NewTimer(s.cfg.CallFullRedirect)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Session) announceRequest(req waitroom.Request) {
	n := notify.Notice{
		ID:        uuid.NewString(),
		Kind:      notify.KindJoinRequest,
		SessionID: s.cfg.SessionID,
		Title:     "Patient waiting",
		Body:      fmt.Sprintf("%s is asking to join.", req.Participant.Name),
		At:        req.CreatedAt,
	}
	// Runs on the signaling dispatch goroutine; a slow notifier must not
	// hold up the next message.
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StepTimeout)
		defer cancel()
		if err := s.deps.Notifier.Notify(ctx, n); err != nil {
			logging.Warnw("session: join request notice failed", append(s.fields(), "err", err)...)
		}
	}()
}

func (s *Session) joined(ctx context.Context) error {
	now := time.Now()
	s.mu.Lock()
	s.joinedAt = now
	s.mu.Unlock()
	s.setState(StateJoined)
	logging.InfowCtx(ctx, "session: joined")

	s.recordHistory(ctx, now)

	var sink audio.FrameSink = discardSink{}
	if s.deps.DialTranscript != nil {
		stream, err := s.deps.DialTranscript(ctx)
		switch {
		case err != nil:
			logging.WarnwCtx(ctx, "session: transcription unavailable", "err", err)
		case !s.hold(func() { s.stream = stream }):
			_ = stream.Close()
			return ErrEnded
		default:
			sink = stream
		}
	}

	framer, err := audio.NewFramer(audio.FramerConfig{
		SampleRate:    s.cfg.SampleRate,
		FrameDuration: s.cfg.FrameDuration,
		Fields:        logging.SessionFields(s.cfg.SessionID, s.cfg.Self.Role.String()),
	}, sink, s.deps.Metrics)
	if err != nil {
		return err
	}
	if !s.hold(func() {
		framer.SetMuted(s.muted)
		s.framer = framer
	}) {
		return ErrEnded
	}
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if err := src.Start(func(chunk []float32, channels int) {
		_ = framer.Process(chunk, channels)
	}); err != nil {
		logging.WarnwCtx(ctx, "session: capture did not start", "err", err)
	}

	if s.isHost() && s.deps.NewRecorder != nil {
		var w *recording.Watchdog
		rec := s.deps.NewRecorder(func(id string) {
			if w != nil {
				w.MarkStarted(id)
			}
		})
		w = recording.NewWatchdog(recording.Config{
			SessionID:       s.cfg.SessionID,
			ReminderDelay:   s.cfg.ReminderDelay,
			RenewalInterval: s.cfg.RenewalInterval,
			OpTimeout:       s.cfg.StepTimeout,
			Notifier:        s.deps.Notifier,
			Metrics:         s.deps.Metrics,
		}, rec)
		if !s.hold(func() { s.watchdog = w }) {
			return ErrEnded
		}
		if err := w.Start(s.ctx); err != nil {
			logging.WarnwCtx(ctx, "session: recording watchdog not started", "err", err)
		}
	}
	return nil
}

// recordHistory writes the call-history row; an existing row is expected
// when the other participant joined first.
func (s *Session) recordHistory(ctx context.Context, at time.Time) {
	if s.deps.Backend == nil {
		return
	}
	h := backend.CallHistory{
		UserID:        s.cfg.Self.ID,
		AppointmentID: s.cfg.AppointmentID,
		StartTime:     at.UTC(),
		FullName:      s.cfg.Self.Name,
		PatientName:   s.cfg.PatientName,
		Role:          s.cfg.Self.Role.String(),
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	err := s.deps.Backend.InsertCallHistory(opCtx, s.cfg.SessionID, h)
	switch {
	case err == nil:
		logging.DebugwCtx(ctx, "session: call history recorded")
	case errors.Is(err, backend.ErrAlreadyRecorded):
		logging.DebugwCtx(ctx, "session: call history already present")
	default:
		logging.WarnwCtx(ctx, "session: call history insert failed", "err", err)
	}
}

func (s *Session) wait(ctx context.Context) {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()
	select {
	case <-s.ctx.Done():
	case <-s.endCh:
	case <-call.Done():
		logging.WarnwCtx(ctx, "session: call transport dropped")
	}
}

type discardSink struct{}

func (discardSink) SendFrame(audio.Frame) error { return nil }
func (discardSink) SendSilence() error          { return nil }
