package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"github.com/telehealth-voice-lab/internal/call"
	"github.com/telehealth-voice-lab/internal/capture"
	"github.com/telehealth-voice-lab/internal/config"
	"github.com/telehealth-voice-lab/internal/control"
	"github.com/telehealth-voice-lab/internal/participant"
	"github.com/telehealth-voice-lab/internal/session"
	"github.com/telehealth-voice-lab/internal/transcript"
	"github.com/telehealth-voice-lab/internal/waitroom"
)

type stubController struct {
	mu       sync.Mutex
	pending  *waitroom.Request
	approved []string
	rejected []string
}

func (s *stubController) Status() session.Status {
	return session.Status{SessionID: "room-1", Participant: "doc", Role: "host", State: "joined"}
}

func (s *stubController) PendingRequest() (waitroom.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return waitroom.Request{}, false
	}
	return *s.pending, true
}

func (s *stubController) Approve(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved = append(s.approved, id)
	s.pending = nil
	return nil
}

func (s *stubController) Reject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, id)
	return nil
}

func (s *stubController) DismissReminder() {}

func (s *stubController) RecentTranscript(n int) []transcript.Entry {
	return []transcript.Entry{{Seq: 4, Speaker: "doc", Text: "any pain today?"}, {Seq: 5, Text: "a little"}}
}

func (s *stubController) End(context.Context) (session.TeardownReport, error) {
	return session.TeardownReport{Steps: []session.StepResult{{Name: session.StepLeave}}}, nil
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	root := NewRootCmd(&Dependencies{Version: "test"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func serveControl(t *testing.T, ctrl control.Controller) string {
	t.Helper()
	srv := httptest.NewServer(control.Handler(control.NewServer(ctrl, "test"), nil))
	t.Cleanup(srv.Close)
	return srv.URL + "/mcp/ws"
}

func TestStatusCommand(t *testing.T) {
	url := serveControl(t, &stubController{})
	out, err := runCLI(t, "status", "--url", url)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st session.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if st.SessionID != "room-1" || st.State != "joined" {
		t.Fatalf("status: %+v", st)
	}
}

func TestAdmitDefaultsToWaitingGuest(t *testing.T) {
	ctrl := &stubController{pending: &waitroom.Request{Participant: participant.Participant{ID: "pat-3", Name: "Pat"}}}
	url := serveControl(t, ctrl)

	out, err := runCLI(t, "admit", "--url", url)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if strings.TrimSpace(out) != "admitted pat-3" {
		t.Fatalf("output: want=%q got=%q", "admitted pat-3", out)
	}
	if len(ctrl.approved) != 1 || ctrl.approved[0] != "pat-3" {
		t.Fatalf("approved: %v", ctrl.approved)
	}

	if _, err := runCLI(t, "deny", "--url", url); err == nil || !strings.Contains(err.Error(), "no guest") {
		t.Fatalf("deny with nobody waiting: got=%v", err)
	}
	if _, err := runCLI(t, "deny", "pat-9", "--url", url); err != nil {
		t.Fatalf("deny explicit: %v", err)
	}
	if len(ctrl.rejected) != 1 || ctrl.rejected[0] != "pat-9" {
		t.Fatalf("rejected: %v", ctrl.rejected)
	}
}

func TestTranscriptCommand(t *testing.T) {
	url := serveControl(t, &stubController{})
	out, err := runCLI(t, "transcript", "--url", url, "--limit", "2")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	want := "4\tdoc\tany pain today?\n5\t-\ta little\n"
	if out != want {
		t.Fatalf("output: want=%q got=%q", want, out)
	}
}

func TestJoinFlagsOverrideOnlyWhenSet(t *testing.T) {
	cfg := config.Default()
	cfg.Session.ID = "from-file"
	cfg.Session.UserID = "doc"

	var f joinFlags
	cmd := &cobra.Command{Use: "join"}
	f.bind(cmd)
	if err := cmd.ParseFlags([]string{"--session", "room-7", "--role", "host"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	f.apply(cmd, cfg)

	if cfg.Session.ID != "room-7" || cfg.Session.Role != "host" {
		t.Fatalf("flags not applied: %+v", cfg.Session)
	}
	if cfg.Session.UserID != "doc" || cfg.Control.Addr != config.Default().Control.Addr {
		t.Fatalf("unset flags overwrote config: %+v %+v", cfg.Session, cfg.Control)
	}
}

func TestBuildSessionGuestTone(t *testing.T) {
	cfg := config.Default()
	cfg.LiveKit = config.LiveKitConfig{URL: "wss://lk.example.com", APIKey: "k", APISecret: "s"}
	cfg.Session.ID = "room-1"
	cfg.Session.UserID = "pat"
	cfg.Audio.Source = "tone"
	cfg.Transcription.Enabled = false
	cfg.Backend.BaseURL = "https://api.example.com"
	cfg.Backend.NotifyEndCall = false

	var out bytes.Buffer
	w, err := buildSession(cfg, nil, &out)
	if err != nil {
		t.Fatalf("buildSession: %v", err)
	}
	defer w.close()
	if w.recorder != nil {
		t.Fatalf("guest must not get a recorder")
	}
	if st := w.session.Status(); st.Participant != "pat" || st.Role != "guest" {
		t.Fatalf("status: %+v", st)
	}

	src, err := captureSource(cfg.Audio)(nil)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, ok := src.(*capture.Tone); !ok {
		t.Fatalf("source: want *capture.Tone got=%T", src)
	}
	if _, err := captureSource(config.AudioConfig{Source: "remote"})(nil); err == nil {
		t.Fatalf("remote source without track provider: want error")
	}

	if err := (historyOnly{}).NotifyEndCall(context.Background(), "a", "b"); err != nil {
		t.Fatalf("historyOnly NotifyEndCall: %v", err)
	}
}

func TestBuildSessionRejectsUnknownRole(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Role = "nurse"
	if _, err := buildSession(cfg, nil, io.Discard); err == nil {
		t.Fatalf("want error for unknown role")
	}
}

func TestLivekitTransportToken(t *testing.T) {
	tr := livekitTransport{cfg: call.Config{URL: "wss://lk", APIKey: "key", APISecret: "secret", Room: "room-1"}}
	tok, err := tr.Token(participant.Participant{ID: "doc", Name: "Dr", Role: participant.RoleHost})
	if err != nil || tok == "" {
		t.Fatalf("token: %q err=%v", tok, err)
	}
}
