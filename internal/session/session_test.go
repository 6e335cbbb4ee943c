package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telehealth-voice-lab/internal/audio"
	"github.com/telehealth-voice-lab/internal/backend"
	"github.com/telehealth-voice-lab/internal/capture"
	"github.com/telehealth-voice-lab/internal/notify"
	"github.com/telehealth-voice-lab/internal/participant"
	"github.com/telehealth-voice-lab/internal/recording"
	"github.com/telehealth-voice-lab/internal/transcript"
	"github.com/telehealth-voice-lab/internal/waitroom"
)

// fakeNet routes data between fake calls the way a room does.
type fakeNet struct {
	mu    sync.Mutex
	calls map[string]*fakeCall
}

func newFakeNet() *fakeNet { return &fakeNet{calls: make(map[string]*fakeCall)} }

func (n *fakeNet) others(self string) []*fakeCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeCall
	for id, c := range n.calls {
		if id != self {
			out = append(out, c)
		}
	}
	return out
}

type fakeCall struct {
	net      *fakeNet
	id       string
	ev       CallEvents
	leaveErr error

	mu     sync.Mutex
	leaves int
	sent   int
	done   chan struct{}
	once   sync.Once
}

func (c *fakeCall) Publish(_ context.Context, payload []byte) error {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	for _, o := range c.net.others(c.id) {
		if o.ev.OnData != nil {
			o.ev.OnData(payload, c.id)
		}
	}
	return nil
}

func (c *fakeCall) OtherParticipants(context.Context) (int, error) {
	return len(c.net.others(c.id)), nil
}

func (c *fakeCall) Leave() error {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	c.once.Do(func() {
		c.net.mu.Lock()
		delete(c.net.calls, c.id)
		c.net.mu.Unlock()
		close(c.done)
		for _, o := range c.net.others(c.id) {
			if o.ev.OnParticipantLeft != nil {
				o.ev.OnParticipantLeft(c.id)
			}
		}
	})
	return c.leaveErr
}

func (c *fakeCall) Done() <-chan struct{} { return c.done }

func (c *fakeCall) counts() (leaves, sent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves, c.sent
}

type fakeTransport struct {
	net      *fakeNet
	leaveErr error

	mu   sync.Mutex
	call *fakeCall
}

func (t *fakeTransport) Token(self participant.Participant) (string, error) {
	return "tok-" + self.ID, nil
}

func (t *fakeTransport) Connect(_ context.Context, token string, ev CallEvents) (Call, error) {
	id := token[len("tok-"):]
	c := &fakeCall{net: t.net, id: id, ev: ev, leaveErr: t.leaveErr, done: make(chan struct{})}
	t.net.mu.Lock()
	t.net.calls[id] = c
	t.net.mu.Unlock()
	t.mu.Lock()
	t.call = c
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) connected() *fakeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.call
}

type fakeSource struct {
	openErr  error
	closeErr error

	mu      sync.Mutex
	process capture.ProcessFunc
	closes  int
}

func (s *fakeSource) Open(context.Context) error { return s.openErr }

func (s *fakeSource) Start(p capture.ProcessFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = p
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *fakeSource) feed(samples int) {
	s.mu.Lock()
	p := s.process
	s.mu.Unlock()
	p(make([]float32, samples), 1)
}

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeStream struct {
	buf      *transcript.Buffer
	bcast    *transcript.Broadcaster
	closeErr error

	mu      sync.Mutex
	frames  []audio.Frame
	silence int
	closes  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{buf: transcript.NewBuffer(0), bcast: transcript.NewBroadcaster(nil)}
}

func (f *fakeStream) SendFrame(fr audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeStream) SendSilence() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silence++
	return nil
}

func (f *fakeStream) Subscribe(n int) *transcript.Subscription { return f.bcast.Subscribe(n) }
func (f *fakeStream) Buffer() *transcript.Buffer               { return f.buf }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeStream) stats() (frames []audio.Frame, silence, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Frame(nil), f.frames...), f.silence, f.closes
}

type fakeBackend struct {
	endErr  error
	histErr error

	mu      sync.Mutex
	ends    []string
	history []backend.CallHistory
}

func (b *fakeBackend) NotifyEndCall(_ context.Context, appointmentID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends = append(b.ends, appointmentID+"/"+userID)
	return b.endErr
}

func (b *fakeBackend) InsertCallHistory(_ context.Context, _ string, h backend.CallHistory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, h)
	return b.histErr
}

func (b *fakeBackend) endCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ends...)
}

type fakeRecorder struct {
	onActive func(string)

	mu      sync.Mutex
	starts  int
	started []string
	stops   []string
}

func (r *fakeRecorder) StartRecording(context.Context) (string, error) {
	r.mu.Lock()
	r.starts++
	id := fmt.Sprintf("seg-%d", r.starts)
	r.started = append(r.started, id)
	r.mu.Unlock()
	r.onActive(id)
	return id, nil
}

func (r *fakeRecorder) segments() (started, stopped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]string(nil), r.stops...)
}

func (r *fakeRecorder) StopRecording(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, id)
	return nil
}

type states struct {
	mu  sync.Mutex
	all []State
}

func (s *states) record(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, st)
}

func (s *states) saw(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.all {
		if x == st {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type rig struct {
	sess      *Session
	transport *fakeTransport
	source    *fakeSource
	stream    *fakeStream
	backend   *fakeBackend
	recorder  *fakeRecorder
	states    *states
	notifier  notify.Notifier
	postCall  chan string
	runErr    chan error
}

func newRig(t *testing.T, net *fakeNet, id string, role participant.Role, tweak func(*Config, *rig)) *rig {
	t.Helper()
	r := &rig{
		transport: &fakeTransport{net: net},
		source:    &fakeSource{},
		stream:    newFakeStream(),
		backend:   &fakeBackend{},
		recorder:  &fakeRecorder{},
		states:    &states{},
		postCall:  make(chan string, 1),
		runErr:    make(chan error, 1),
	}
	cfg := Config{
		SessionID:        "sess-1",
		AppointmentID:    "appt-9",
		Self:             participant.Participant{ID: id, Name: "name-" + id, Role: role},
		PatientName:      "Pat",
		CallFullRedirect: 10 * time.Millisecond,
		ReminderDelay:    time.Hour,
		RenewalInterval:  time.Hour,
		DocumentationURL: "https://clinic.example/notes/{appointmentId}",
		StepTimeout:      time.Second,
	}
	if tweak != nil {
		tweak(&cfg, r)
	}
	sess, err := New(cfg, Deps{
		Transport:      r.transport,
		Capture:        func(Call) (capture.Source, error) { return r.source, nil },
		DialTranscript: func(context.Context) (TranscriptStream, error) { return r.stream, nil },
		NewRecorder: func(onActive func(string)) recording.Recorder {
			r.recorder.onActive = onActive
			return r.recorder
		},
		Backend:    r.backend,
		Notifier:   r.notifier,
		OnState:    r.states.record,
		OnPostCall: func(u string) { r.postCall <- u },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.sess = sess
	return r
}

func (r *rig) start() *rig {
	go func() { r.runErr <- r.sess.Run(context.Background()) }()
	return r
}

func (r *rig) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.runErr:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestGuestJoinsAfterApprovalAndStreamsFrames(t *testing.T) {
	net := newFakeNet()
	host := newRig(t, net, "doc", participant.RoleHost, nil).start()
	eventually(t, "host joined", func() bool { return host.sess.State() == StateJoined })

	guest := newRig(t, net, "g1", participant.RoleGuest, nil).start()
	eventually(t, "pending request", func() bool {
		req, ok := host.sess.PendingRequest()
		return ok && req.ID() == "g1"
	})
	if guest.sess.State() != StateAwaitingApproval {
		t.Fatalf("guest state: want=%s got=%s", StateAwaitingApproval, guest.sess.State())
	}
	if err := host.sess.Approve(context.Background(), "g1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	eventually(t, "guest joined", func() bool { return guest.sess.State() == StateJoined })
	if _, ok := host.sess.PendingRequest(); ok {
		t.Fatal("request still pending after approval")
	}

	// 250ms at 16kHz is 4000 samples; feed two frames plus a remainder.
	guest.source.feed(4000)
	guest.source.feed(4500)
	frames, _, _ := guest.stream.stats()
	if len(frames) != 2 || frames[0].Seq != 1 || frames[1].Seq != 2 {
		t.Fatalf("frames: %+v", frames)
	}
	if got := guest.sess.Status().FramesSent; got != 2 {
		t.Fatalf("status frames: want=2 got=%d", got)
	}

	if _, err := guest.sess.End(context.Background()); err != nil {
		t.Fatalf("guest End: %v", err)
	}
	if err := guest.wait(t); err != nil {
		t.Fatalf("guest Run: %v", err)
	}
	if ends := guest.backend.endCalls(); len(ends) != 0 {
		t.Fatalf("guest sent end-call notification: %v", ends)
	}

	if _, err := host.sess.End(context.Background()); err != nil {
		t.Fatalf("host End: %v", err)
	}
	if err := host.wait(t); err != nil {
		t.Fatalf("host Run: %v", err)
	}
	if ends := host.backend.endCalls(); len(ends) != 1 || ends[0] != "appt-9/doc" {
		t.Fatalf("end-call notifications: %v", ends)
	}
	select {
	case u := <-host.postCall:
		if u != "https://clinic.example/notes/appt-9" {
			t.Fatalf("post-call url: got=%s", u)
		}
	default:
		t.Fatal("post-call hand-off not invoked")
	}
	if len(host.backend.history) != 1 || host.backend.history[0].Role != "host" {
		t.Fatalf("call history: %+v", host.backend.history)
	}
}

func TestGuestRejected(t *testing.T) {
	net := newFakeNet()
	host := newRig(t, net, "doc", participant.RoleHost, nil).start()
	eventually(t, "host joined", func() bool { return host.sess.State() == StateJoined })
	guest := newRig(t, net, "g1", participant.RoleGuest, nil).start()
	eventually(t, "pending request", func() bool { _, ok := host.sess.PendingRequest(); return ok })

	if err := host.sess.Reject(context.Background(), "g1"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := guest.wait(t); !errors.Is(err, waitroom.ErrRejected) {
		t.Fatalf("guest Run: want=%v got=%v", waitroom.ErrRejected, err)
	}
	if guest.states.saw(StateJoined) || !guest.states.saw(StateRejected) {
		t.Fatalf("guest states: %v", guest.states.all)
	}
	if len(guest.backend.history) != 0 {
		t.Fatal("rejected guest wrote call history")
	}
	_, _ = host.sess.End(context.Background())
	_ = host.wait(t)
}

func TestTeardownIsIdempotent(t *testing.T) {
	r := newRig(t, newFakeNet(), "doc", participant.RoleHost, nil).start()
	eventually(t, "joined", func() bool { return r.sess.State() == StateJoined })

	first, err := r.sess.End(context.Background())
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	second, _ := r.sess.End(context.Background())
	third := r.sess.Teardown()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(first.Steps) != 7 || len(second.Steps) != 7 || len(third.Steps) != 7 {
		t.Fatalf("steps: %d %d %d", len(first.Steps), len(second.Steps), len(third.Steps))
	}
	if ends := r.backend.endCalls(); len(ends) != 1 {
		t.Fatalf("end-call notifications: want=1 got=%d", len(ends))
	}
	if n := r.source.closeCount(); n != 1 {
		t.Fatalf("capture closes: want=1 got=%d", n)
	}
	if _, _, closes := r.stream.stats(); closes != 1 {
		t.Fatalf("transcript closes: want=1 got=%d", closes)
	}
	if leaves, _ := r.transport.connected().counts(); leaves != 1 {
		t.Fatalf("leaves: want=1 got=%d", leaves)
	}
	r.recorder.mu.Lock()
	stops := append([]string(nil), r.recorder.stops...)
	r.recorder.mu.Unlock()
	if len(stops) != 1 || stops[0] != "seg-1" {
		t.Fatalf("recording stops: %v", stops)
	}
	if r.sess.State() != StateEnded {
		t.Fatalf("state: want=%s got=%s", StateEnded, r.sess.State())
	}
}

func TestPermissionDeniedNeverJoins(t *testing.T) {
	r := newRig(t, newFakeNet(), "doc", participant.RoleHost, func(_ *Config, r *rig) {
		r.source.openErr = capture.ErrPermission
	}).start()
	err := r.wait(t)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Run: want=%v got=%v", ErrPermissionDenied, err)
	}
	if r.states.saw(StateJoined) {
		t.Fatal("session reached joined without capture")
	}
	if leaves, _ := r.transport.connected().counts(); leaves != 1 {
		t.Fatalf("leaves: want=1 got=%d", leaves)
	}
	if len(r.backend.endCalls()) != 0 || len(r.backend.history) != 0 {
		t.Fatal("backend called for a session that never joined")
	}
}

func TestTeardownContinuesPastFailures(t *testing.T) {
	r := newRig(t, newFakeNet(), "doc", participant.RoleHost, func(_ *Config, r *rig) {
		r.stream.closeErr = errors.New("socket already gone")
		r.transport.leaveErr = errors.New("transport hung up")
		r.backend.endErr = errors.New("queue unavailable")
	}).start()
	eventually(t, "joined", func() bool { return r.sess.State() == StateJoined })

	report, _ := r.sess.End(context.Background())
	_ = r.wait(t)
	failed := map[string]bool{}
	for _, st := range report.Steps {
		if st.Error != "" {
			failed[st.Name] = true
		}
	}
	if !failed[StepTranscript] || !failed[StepLeave] || !failed[StepNotifyEnd] || len(failed) != 3 {
		t.Fatalf("failed steps: %v", failed)
	}
	if report.Err() == nil {
		t.Fatal("report error should join step failures")
	}
	select {
	case <-r.postCall:
	default:
		t.Fatal("post-call hand-off skipped after earlier failures")
	}
}

func TestCallFullGuestNeverRequests(t *testing.T) {
	net := newFakeNet()
	net.calls["doc"] = &fakeCall{net: net, id: "doc", done: make(chan struct{})}
	net.calls["other"] = &fakeCall{net: net, id: "other", done: make(chan struct{})}

	guest := newRig(t, net, "g1", participant.RoleGuest, nil).start()
	if err := guest.wait(t); !errors.Is(err, waitroom.ErrCallFull) {
		t.Fatalf("Run: want=%v got=%v", waitroom.ErrCallFull, err)
	}
	if !guest.states.saw(StateCallFull) {
		t.Fatalf("states: %v", guest.states.all)
	}
	if _, sent := guest.transport.connected().counts(); sent != 0 {
		t.Fatalf("published %d messages while call full", sent)
	}
}

func TestMutedSessionSendsSilence(t *testing.T) {
	r := newRig(t, newFakeNet(), "doc", participant.RoleHost, nil).start()
	eventually(t, "joined", func() bool { return r.sess.State() == StateJoined })

	r.sess.SetMuted(true)
	r.source.feed(8000)
	r.source.feed(8000)
	frames, silence, _ := r.stream.stats()
	if len(frames) != 0 || silence != 2 {
		t.Fatalf("muted: frames=%d silence=%d", len(frames), silence)
	}
	if !r.sess.Status().Muted {
		t.Fatal("status does not report mute")
	}
	_, _ = r.sess.End(context.Background())
	_ = r.wait(t)
}

func TestGuestCannotApprove(t *testing.T) {
	r := newRig(t, newFakeNet(), "g1", participant.RoleGuest, nil)
	if err := r.sess.Approve(context.Background(), "x"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("Approve: want=%v got=%v", ErrNotHost, err)
	}
}

// noticeLog records notices. Join-request notices block until ctx ends
// when hold is set.
type noticeLog struct {
	hold bool

	mu    sync.Mutex
	kinds []notify.Kind
}

func (n *noticeLog) Notify(ctx context.Context, nt notify.Notice) error {
	n.mu.Lock()
	n.kinds = append(n.kinds, nt.Kind)
	n.mu.Unlock()
	if n.hold && nt.Kind == notify.KindJoinRequest {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (n *noticeLog) saw(k notify.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.kinds {
		if x == k {
			return true
		}
	}
	return false
}

func TestEndDuringRenewalsStopsEverySegment(t *testing.T) {
	notes := &noticeLog{}
	r := newRig(t, newFakeNet(), "doc", participant.RoleHost, func(cfg *Config, r *rig) {
		cfg.RenewalInterval = 15 * time.Millisecond
		r.notifier = notes
	}).start()
	eventually(t, "two renewals", func() bool {
		started, _ := r.recorder.segments()
		return len(started) >= 3
	})

	if _, err := r.sess.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	started, stopped := r.recorder.segments()
	counts := map[string]int{}
	for _, id := range stopped {
		counts[id]++
	}
	for _, id := range started {
		if counts[id] != 1 {
			t.Fatalf("segment %s stopped %d times: started=%v stopped=%v", id, counts[id], started, stopped)
		}
	}
	if len(stopped) != len(started) {
		t.Fatalf("stops: want=%d got=%d (%v)", len(started), len(stopped), stopped)
	}
	if !notes.saw(notify.KindCallEnded) {
		t.Fatalf("no call-ended notice: %v", notes.kinds)
	}
}

func TestSlowJoinNoticeDoesNotStallSignaling(t *testing.T) {
	net := newFakeNet()
	notes := &noticeLog{hold: true}
	host := newRig(t, net, "doc", participant.RoleHost, func(cfg *Config, r *rig) {
		cfg.StepTimeout = 5 * time.Second
		r.notifier = notes
	}).start()
	eventually(t, "host joined", func() bool { return host.sess.State() == StateJoined })

	g1 := newRig(t, net, "g1", participant.RoleGuest, nil).start()
	eventually(t, "first request", func() bool {
		req, ok := host.sess.PendingRequest()
		return ok && req.ID() == "g1"
	})
	g2 := newRig(t, net, "g2", participant.RoleGuest, func(cfg *Config, _ *rig) {
		cfg.Capacity = 3
	}).start()
	eventually(t, "second request replaces the first", func() bool {
		req, ok := host.sess.PendingRequest()
		return ok && req.ID() == "g2"
	})

	for _, r := range []*rig{g1, g2, host} {
		_, _ = r.sess.End(context.Background())
		_ = r.wait(t)
	}
}
