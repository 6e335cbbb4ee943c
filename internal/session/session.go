// Package session runs one participant's call from credentials to
// teardown: it gates entry through the waiting room, wires capture into the
// transcription stream once joined, supervises recording for the host and
// releases everything in a fixed order when the call ends.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/telehealth-voice-lab/internal/audio"
	"github.com/telehealth-voice-lab/internal/backend"
	"github.com/telehealth-voice-lab/internal/capture"
	"github.com/telehealth-voice-lab/internal/metrics"
	"github.com/telehealth-voice-lab/internal/notify"
	"github.com/telehealth-voice-lab/internal/participant"
	"github.com/telehealth-voice-lab/internal/recording"
	"github.com/telehealth-voice-lab/internal/signaling"
	"github.com/telehealth-voice-lab/internal/transcript"
	"github.com/telehealth-voice-lab/internal/waitroom"
)

var (
	ErrPermissionDenied = errors.New("session: capture permission denied")
	ErrEnded            = errors.New("session: ended")
	ErrNotHost          = errors.New("session: only the host can do that")
)

const (
	DefaultCallFullRedirect = 5 * time.Second
	DefaultStepTimeout      = 10 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingApproval
	StateJoined
	StateRejected
	StateCallFull
	StateTimedOut
	StateEnded
)

var stateNames = []string{"idle", "connecting", "awaiting_approval", "joined", "rejected", "call_full", "timed_out", "ended"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Call is the connected media transport.
type Call interface {
	signaling.Publisher
	waitroom.ParticipantCounter
	Leave() error
	// Done is closed when the transport drops.
	Done() <-chan struct{}
}

// CallEvents are delivered by the transport from its own goroutines.
type CallEvents struct {
	OnData            func(payload []byte, senderID string)
	OnParticipantLeft func(identity string)
}

type Transport interface {
	Token(self participant.Participant) (string, error)
	Connect(ctx context.Context, token string, ev CallEvents) (Call, error)
}

// TranscriptStream is the duplex transcription socket.
type TranscriptStream interface {
	audio.FrameSink
	Subscribe(buffer int) *transcript.Subscription
	Buffer() *transcript.Buffer
	Close() error
}

type Backend interface {
	NotifyEndCall(ctx context.Context, appointmentID, userID string) error
	InsertCallHistory(ctx context.Context, sessionID string, h backend.CallHistory) error
}

type Config struct {
	SessionID     string
	AppointmentID string
	Self          participant.Participant
	PatientName   string

	Capacity         int
	ApprovalTimeout  time.Duration
	CallFullRedirect time.Duration

	SampleRate    int
	FrameDuration time.Duration

	ReminderDelay   time.Duration
	RenewalInterval time.Duration

	// DocumentationURL is handed to OnPostCall after the host's call ends.
	// {appointmentId} is replaced with the appointment id.
	DocumentationURL string
	StepTimeout      time.Duration
}

type Deps struct {
	Transport Transport
	// Capture builds the audio source once the call is connected.
	Capture func(call Call) (capture.Source, error)
	// DialTranscript opens the transcription socket. nil disables live
	// transcription.
	DialTranscript func(ctx context.Context) (TranscriptStream, error)
	// NewRecorder builds the host's recorder. onActive must be called when
	// a segment is confirmed as recording.
	NewRecorder func(onActive func(segmentID string)) recording.Recorder
	Backend     Backend
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics

	OnState    func(State)
	OnPostCall func(documentationURL string)
}

// Session owns every resource acquired for one call.
type Session struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	joinedAt time.Time
	ending   bool
	muted    bool
	call     Call
	channel  *signaling.Channel
	host     *waitroom.Host
	source   capture.Source
	framer   *audio.Framer
	stream   TranscriptStream
	watchdog *recording.Watchdog

	endOnce      sync.Once
	endCh        chan struct{}
	teardownOnce sync.Once
	report       TeardownReport
	tornDown     chan struct{}
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("session: transport required")
	}
	if deps.Capture == nil {
		return nil, errors.New("session: capture factory required")
	}
	if cfg.Self.ID == "" {
		return nil, errors.New("session: participant id required")
	}
	if cfg.Self.Role != participant.RoleHost && cfg.Self.Role != participant.RoleGuest {
		return nil, errors.New("session: participant role required")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("session: session id required")
	}
	if cfg.CallFullRedirect <= 0 {
		cfg.CallFullRedirect = DefaultCallFullRedirect
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		endCh:    make(chan struct{}),
		tornDown: make(chan struct{}),
	}, nil
}

func (s *Session) isHost() bool { return s.cfg.Self.Role == participant.RoleHost }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.deps.Metrics.SetState(st.String(), stateNames)
	if s.deps.OnState != nil {
		s.deps.OnState(st)
	}
}

// hold stores a freshly acquired resource unless teardown has already
// begun. On false the caller must release the resource itself.
func (s *Session) hold(store func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return false
	}
	store()
	return true
}

// SetMuted switches the outgoing audio to silence signals.
func (s *Session) SetMuted(m bool) {
	s.mu.Lock()
	s.muted = m
	f := s.framer
	s.mu.Unlock()
	if f != nil {
		f.SetMuted(m)
	}
}

// End is the explicit "end call" action. It tears the session down and
// returns the report; Run then returns.
func (s *Session) End(ctx context.Context) (TeardownReport, error) {
	s.endOnce.Do(func() { close(s.endCh) })
	s.cancel()
	done := make(chan TeardownReport, 1)
	go func() { done <- s.Teardown() }()
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return TeardownReport{}, ctx.Err()
	}
}

// Host returns the waiting-room host side, or nil for guests and before
// the call is connected.
func (s *Session) Host() *waitroom.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) PendingRequest() (waitroom.Request, bool) {
	h := s.Host()
	if h == nil {
		return waitroom.Request{}, false
	}
	return h.Pending()
}

func (s *Session) Approve(ctx context.Context, id string) error {
	h := s.Host()
	if h == nil {
		return ErrNotHost
	}
	return h.Approve(ctx, id)
}

func (s *Session) Reject(ctx context.Context, id string) error {
	h := s.Host()
	if h == nil {
		return ErrNotHost
	}
	return h.Reject(ctx, id)
}

func (s *Session) DismissReminder() {
	s.mu.Lock()
	w := s.watchdog
	s.mu.Unlock()
	if w != nil {
		w.DismissReminder()
	}
}

// RecentTranscript returns up to n of the latest entries, oldest first.
func (s *Session) RecentTranscript(n int) []transcript.Entry {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	if n <= 0 {
		return st.Buffer().Snapshot()
	}
	return st.Buffer().Last(n)
}

// SubscribeTranscript returns a live feed of transcript entries, or nil
// when no stream is open.
func (s *Session) SubscribeTranscript(buffer int) *transcript.Subscription {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Subscribe(buffer)
}

type Status struct {
	SessionID     string              `json:"session_id"`
	AppointmentID string              `json:"appointment_id,omitempty"`
	Participant   string              `json:"participant"`
	Role          string              `json:"role"`
	State         string              `json:"state"`
	JoinedAt      *time.Time          `json:"joined_at,omitempty"`
	Muted         bool                `json:"muted"`
	FramesSent    uint64              `json:"frames_sent"`
	Transcript    int                 `json:"transcript_entries"`
	Pending       *waitroom.Request   `json:"pending_request,omitempty"`
	Recording     *recording.Snapshot `json:"recording,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		SessionID:     s.cfg.SessionID,
		AppointmentID: s.cfg.AppointmentID,
		Participant:   s.cfg.Self.ID,
		Role:          s.cfg.Self.Role.String(),
		State:         s.state.String(),
		Muted:         s.muted,
	}
	if !s.joinedAt.IsZero() {
		t := s.joinedAt
		st.JoinedAt = &t
	}
	f, stream, host, w := s.framer, s.stream, s.host, s.watchdog
	s.mu.Unlock()

	if f != nil {
		st.FramesSent = f.Seq()
	}
	if stream != nil {
		st.Transcript = stream.Buffer().Len()
	}
	if host != nil {
		if req, ok := host.Pending(); ok {
			st.Pending = &req
		}
	}
	if w != nil {
		snap := w.Snapshot()
		st.Recording = &snap
	}
	return st
}
