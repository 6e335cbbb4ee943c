package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telehealth-voice-lab/internal/notify"
)

// fakeRecorder tracks call order and fails when a start overlaps an
// active segment.
type fakeRecorder struct {
	mu       sync.Mutex
	calls    []string
	active   string
	next     int
	overlap  bool
	startErr error
	stopErr  error
	stops    int
}

func (f *fakeRecorder) StartRecording(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.active != "" {
		f.overlap = true
	}
	f.next++
	f.active = fmt.Sprintf("seg-%d", f.next)
	return f.active, nil
}

func (f *fakeRecorder) StopRecording(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+id)
	f.stops++
	// The service ends the segment at its length cap even when the
	// stop call itself errors.
	if f.active == id {
		f.active = ""
	}
	return f.stopErr
}

func (f *fakeRecorder) snapshot() (calls []string, overlap bool, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.overlap, f.stops
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (n *noticeRecorder) Notify(_ context.Context, nt notify.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, nt)
	return nil
}

func (n *noticeRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatchdogRemindsWhenNotStarted(t *testing.T) {
	notes := &noticeRecorder{}
	rec := &fakeRecorder{}
	w := NewWatchdog(Config{SessionID: "s1", ReminderDelay: 20 * time.Millisecond, RenewalInterval: time.Hour, Notifier: notes}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	eventually(t, "reminder", w.Reminder)
	eventually(t, "notice", func() bool { return notes.count() == 1 })
	if notes.notices[0].Kind != notify.KindRecordingNotStarted || notes.notices[0].SessionID != "s1" {
		t.Fatalf("notice: %+v", notes.notices[0])
	}

	w.DismissReminder()
	if w.Reminder() {
		t.Fatal("reminder still showing after dismiss")
	}
}

func TestWatchdogStartedEventCancelsReminder(t *testing.T) {
	notes := &noticeRecorder{}
	w := NewWatchdog(Config{ReminderDelay: 40 * time.Millisecond, RenewalInterval: time.Hour, Notifier: notes}, &fakeRecorder{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	w.MarkStarted("seg-1")
	time.Sleep(80 * time.Millisecond)
	if w.Reminder() || notes.count() != 0 {
		t.Fatalf("reminder raised after started event: reminder=%v notices=%d", w.Reminder(), notes.count())
	}
	if w.State() != StateActive {
		t.Fatalf("state: want=%s got=%s", StateActive, w.State())
	}
}

func TestWatchdogStartFailureKeepsReminder(t *testing.T) {
	notes := &noticeRecorder{}
	rec := &fakeRecorder{startErr: errors.New("egress unavailable")}
	w := NewWatchdog(Config{ReminderDelay: 10 * time.Millisecond, RenewalInterval: time.Hour, Notifier: notes}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	eventually(t, "reminder", w.Reminder)
	if got := w.Snapshot().LastError; got != "egress unavailable" {
		t.Fatalf("last error: want=egress unavailable got=%s", got)
	}
	time.Sleep(30 * time.Millisecond)
	calls, _, _ := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("start was retried: calls=%v", calls)
	}
}

func TestWatchdogRenewsWithoutOverlap(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWatchdog(Config{ReminderDelay: time.Hour, RenewalInterval: 25 * time.Millisecond}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "three renewals", func() bool {
		return w.Snapshot().Segments >= 4
	})
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	calls, overlap, _ := rec.snapshot()
	if overlap {
		t.Fatalf("two segments were active at once: %v", calls)
	}
	if calls[0] != "start" {
		t.Fatalf("first call: want=start got=%s", calls[0])
	}
	// Every renewal is stop(previous) immediately followed by start.
	for i := 1; i+1 < len(calls); i += 2 {
		if calls[i] != fmt.Sprintf("stop:seg-%d", (i+1)/2) || calls[i+1] != "start" {
			t.Fatalf("cycle at %d: got=%v", i, calls)
		}
	}
	if last := calls[len(calls)-1]; last[:5] != "stop:" {
		t.Fatalf("final call: want stop got=%s (%v)", last, calls)
	}
}

func TestWatchdogRenewalStartsEvenWhenStopFails(t *testing.T) {
	rec := &fakeRecorder{stopErr: errors.New("stop timeout")}
	w := NewWatchdog(Config{ReminderDelay: time.Hour, RenewalInterval: 15 * time.Millisecond}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "renewal after failed stop", func() bool { return w.Snapshot().Segments >= 2 })
	w.CancelTimers()
	calls, _, _ := rec.snapshot()
	if len(calls) < 3 || calls[1] != "stop:seg-1" || calls[2] != "start" {
		t.Fatalf("calls: %v", calls)
	}
	_ = w.Stop(context.Background())
}

func TestWatchdogStopsExactlyOnce(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWatchdog(Config{ReminderDelay: time.Hour, RenewalInterval: time.Hour}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.MarkStarted("")
	for i := 0; i < 3; i++ {
		if err := w.Stop(context.Background()); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
	}
	_, _, stops := rec.snapshot()
	if stops != 1 {
		t.Fatalf("stops: want=1 got=%d", stops)
	}
	if w.State() != StateStopped {
		t.Fatalf("state: want=%s got=%s", StateStopped, w.State())
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("restart after stop should fail")
	}
}

func TestWatchdogStopBeforeStartIsNoop(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWatchdog(Config{}, rec)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls, _, _ := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("calls: want none got=%v", calls)
	}
}

// slowRecorder takes stopDelay to stop a segment and gives up when ctx
// ends first, leaving the segment recording.
type slowRecorder struct {
	mu        sync.Mutex
	next      int
	recording map[string]bool
	stopDelay time.Duration
	stopping  chan struct{}
	once      sync.Once
}

func (r *slowRecorder) StartRecording(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("seg-%d", r.next)
	r.recording[id] = true
	return id, nil
}

func (r *slowRecorder) StopRecording(ctx context.Context, id string) error {
	r.once.Do(func() { close(r.stopping) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.stopDelay):
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recording, id)
	return nil
}

func (r *slowRecorder) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.recording {
		ids = append(ids, id)
	}
	return ids
}

func TestWatchdogStopDuringRenewalStopsOldSegment(t *testing.T) {
	rec := &slowRecorder{recording: map[string]bool{}, stopDelay: 50 * time.Millisecond, stopping: make(chan struct{})}
	w := NewWatchdog(Config{ReminderDelay: time.Hour, RenewalInterval: 10 * time.Millisecond}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-rec.stopping:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal never reached stop")
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ids := rec.active(); len(ids) != 0 {
		t.Fatalf("segments still recording after Stop: %v (state=%s)", ids, w.State())
	}
}

func TestWatchdogIgnoresStartedEventForReplacedSegment(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWatchdog(Config{ReminderDelay: 5 * time.Millisecond, RenewalInterval: 20 * time.Millisecond}, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	eventually(t, "one renewal", func() bool { return w.Snapshot().Segments >= 2 })
	eventually(t, "reminder", w.Reminder)
	w.MarkStarted("seg-1")
	if w.State() == StateActive || !w.Reminder() {
		t.Fatalf("late event for seg-1 was applied: state=%s reminder=%v", w.State(), w.Reminder())
	}
}
