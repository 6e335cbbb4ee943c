// Package recording keeps the call's server-side recording alive. The
// watchdog warns when recording does not report started in time and renews
// the underlying segment on a fixed interval, because the recording service
// caps continuous segment length.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
	"github.com/telehealth-voice-lab/internal/notify"
)

const (
	DefaultReminderDelay   = 15 * time.Second
	DefaultRenewalInterval = 5 * time.Minute
)

// ErrNotSupported is returned by recorders that cannot record.
var ErrNotSupported = errors.New("recording: not supported by transport")

// Recorder controls the recording service. StartRecording returns the id of
// the new segment.
type Recorder interface {
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context, segmentID string) error
}

type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	SessionID       string
	ReminderDelay   time.Duration
	RenewalInterval time.Duration
	// OpTimeout bounds each start or stop call.
	OpTimeout time.Duration
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
}

// Watchdog supervises one session's recording. Start it once the host has
// joined; Stop it on teardown.
type Watchdog struct {
	cfg Config
	rec Recorder

	// cycleMu serialises start, renewal and stop so two cycles never
	// overlap.
	cycleMu sync.Mutex

	mu         sync.Mutex
	state      State
	segmentID  string
	retired    map[string]struct{}
	segments   int
	started    bool
	reminder   bool
	remTimer   *time.Timer
	lastErr    error
	cancel     context.CancelFunc
	loopDone   chan struct{}
	stopOnce   sync.Once
	timersDone bool
}

func NewWatchdog(cfg Config, rec Recorder) *Watchdog {
	if cfg.ReminderDelay <= 0 {
		cfg.ReminderDelay = DefaultReminderDelay
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = DefaultRenewalInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{}
	}
	return &Watchdog{cfg: cfg, rec: rec}
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	State     string `json:"state"`
	SegmentID string `json:"segment_id,omitempty"`
	Segments  int    `json:"segments"`
	Reminder  bool   `json:"reminder"`
	LastError string `json:"last_error,omitempty"`
}

func (w *Watchdog) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{State: w.state.String(), SegmentID: w.segmentID, Segments: w.segments, Reminder: w.reminder}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Reminder reports whether the "recording has not started" reminder is
// showing.
func (w *Watchdog) Reminder() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reminder
}

// DismissReminder hides the reminder. It does not change recording state.
func (w *Watchdog) DismissReminder() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reminder = false
}

// Start requests recording and begins supervision. ctx bounds the
// watchdog's lifetime as well as the first start request.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return fmt.Errorf("recording: watchdog already %s", w.state)
	}
	w.state = StateStarting
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	w.mu.Unlock()

	w.cycleMu.Lock()
	w.startSegment(loopCtx)
	w.cycleMu.Unlock()

	go w.renewLoop(loopCtx)
	return nil
}

// startSegment must be called with cycleMu held.
func (w *Watchdog) startSegment(ctx context.Context) {
	w.armReminder()
	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	id, err := w.rec.StartRecording(opCtx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastErr = err
		w.cfg.Metrics.RecordingFailure("start")
		logging.Warnw("recording: start failed", "session.id", w.cfg.SessionID, "err", err)
		return
	}
	w.segmentID = id
	w.segments++
	w.lastErr = nil
	logging.Infow("recording: segment requested", "session.id", w.cfg.SessionID, "segment", id, "segments", w.segments)
}

// MarkStarted is the "recording started" event from the recording service.
// It cancels the pending reminder and hides it. Events for a segment that a
// renewal already replaced are ignored.
func (w *Watchdog) MarkStarted(segmentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return
	}
	if segmentID != "" {
		if _, old := w.retired[segmentID]; old {
			logging.Debugw("recording: ignoring late event for replaced segment", "session.id", w.cfg.SessionID, "segment", segmentID)
			return
		}
		if w.segmentID != "" && w.segmentID != segmentID {
			logging.Debugw("recording: ignoring event for unknown segment", "session.id", w.cfg.SessionID, "segment", segmentID, "current", w.segmentID)
			return
		}
	}
	if w.remTimer != nil {
		w.remTimer.Stop()
		w.remTimer = nil
	}
	w.reminder = false
	w.started = true
	w.state = StateActive
	if segmentID != "" {
		w.segmentID = segmentID
	}
	logging.Infow("recording: active", "session.id", w.cfg.SessionID, "segment", segmentID)
}

// armReminder (re)starts the one-shot reminder timer for a start attempt.
func (w *Watchdog) armReminder() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timersDone {
		return
	}
	if w.remTimer != nil {
		w.remTimer.Stop()
	}
	w.started = false
	w.remTimer = time.AfterFunc(w.cfg.ReminderDelay, w.fireReminder)
}

func (w *Watchdog) fireReminder() {
	w.mu.Lock()
	if w.started || w.timersDone || w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.reminder = true
	w.remTimer = nil
	lastErr := w.lastErr
	w.mu.Unlock()

	w.cfg.Metrics.RecordingReminder()
	logging.Warnw("recording: not started in time", "session.id", w.cfg.SessionID, "delay", w.cfg.ReminderDelay.String())
	body := "Recording has not started. Start it manually to keep a record of this visit."
	if lastErr != nil {
		body += " Last error: " + lastErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n := notify.Notice{
		ID:        uuid.NewString(),
		Kind:      notify.KindRecordingNotStarted,
		SessionID: w.cfg.SessionID,
		Title:     "Recording not started",
		Body:      body,
		At:        time.Now().UTC(),
	}
	if err := w.cfg.Notifier.Notify(ctx, n); err != nil {
		logging.Warnw("recording: reminder notification failed", "session.id", w.cfg.SessionID, "err", err)
	}
}

func (w *Watchdog) renewLoop(ctx context.Context) {
	defer close(w.loopDone)
	ticker := time.NewTicker(w.cfg.RenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.renew(ctx)
		}
	}
}

// renew stops the current segment and immediately starts a new one. A stop
// failure is logged and the start still happens.
func (w *Watchdog) renew(ctx context.Context) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	w.mu.Lock()
	if w.state == StateStopped || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	prev := w.segmentID
	w.state = StateRestarting
	w.mu.Unlock()

	w.cfg.Metrics.RecordingCycle()
	logging.Infow("recording: renewing segment", "session.id", w.cfg.SessionID, "segment", prev)
	if prev != "" {
		opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		err := w.rec.StopRecording(opCtx, prev)
		cancel()
		if err != nil {
			w.cfg.Metrics.RecordingFailure("stop")
			if ctx.Err() != nil {
				// Supervision ended mid-stop. Keep prev so Stop retries it
				// with its own context.
				logging.Warnw("recording: stop interrupted by shutdown", "session.id", w.cfg.SessionID, "segment", prev, "err", err)
				return
			}
			logging.Warnw("recording: stop during renewal failed, starting anyway", "session.id", w.cfg.SessionID, "segment", prev, "err", err)
		}
	}
	w.mu.Lock()
	if prev != "" {
		if w.retired == nil {
			w.retired = make(map[string]struct{})
		}
		w.retired[prev] = struct{}{}
	}
	w.segmentID = ""
	if w.state == StateStopped || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.state = StateStarting
	w.mu.Unlock()
	w.startSegment(ctx)
}

// CancelTimers stops the reminder and renewal timers without touching the
// active segment. Safe to call more than once.
func (w *Watchdog) CancelTimers() {
	w.mu.Lock()
	w.timersDone = true
	if w.remTimer != nil {
		w.remTimer.Stop()
		w.remTimer = nil
	}
	cancel, done := w.cancel, w.loopDone
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Stop cancels the timers and stops the active segment, exactly once.
func (w *Watchdog) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.CancelTimers()
		// Wait out an in-flight start or renewal.
		w.cycleMu.Lock()
		defer w.cycleMu.Unlock()

		w.mu.Lock()
		prev := w.state
		seg := w.segmentID
		w.state = StateStopped
		w.segmentID = ""
		w.reminder = false
		w.mu.Unlock()

		if prev == StateIdle || seg == "" {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		defer cancel()
		if stopErr := w.rec.StopRecording(opCtx, seg); stopErr != nil {
			w.cfg.Metrics.RecordingFailure("stop")
			err = fmt.Errorf("recording: stop segment %s: %w", seg, stopErr)
			return
		}
		logging.Infow("recording: stopped", "session.id", w.cfg.SessionID, "segment", seg)
	})
	return err
}
