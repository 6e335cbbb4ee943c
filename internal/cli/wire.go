package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/telehealth-voice-lab/internal/backend"
	"github.com/telehealth-voice-lab/internal/call"
	"github.com/telehealth-voice-lab/internal/capture"
	"github.com/telehealth-voice-lab/internal/config"
	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
	"github.com/telehealth-voice-lab/internal/notify"
	"github.com/telehealth-voice-lab/internal/participant"
	"github.com/telehealth-voice-lab/internal/recording"
	"github.com/telehealth-voice-lab/internal/session"
	"github.com/telehealth-voice-lab/internal/transcript"
)

const toneFrequency = 440

// livekitTransport adapts the call package to session.Transport.
type livekitTransport struct {
	cfg call.Config
}

func (t livekitTransport) Token(self participant.Participant) (string, error) {
	c := t.cfg
	c.Identity, c.Name, c.Role = self.ID, self.Name, self.Role
	return call.Token(c)
}

func (t livekitTransport) Connect(ctx context.Context, token string, ev session.CallEvents) (session.Call, error) {
	room, err := call.Connect(ctx, t.cfg, token, call.Events{
		OnData:            ev.OnData,
		OnParticipantLeft: ev.OnParticipantLeft,
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// historyOnly keeps the call-history record but skips the end-of-call
// queue.
type historyOnly struct {
	*backend.Client
}

func (historyOnly) NotifyEndCall(context.Context, string, string) error { return nil }

func captureSource(cfg config.AudioConfig) func(session.Call) (capture.Source, error) {
	ccfg := capture.Config{SampleRate: cfg.SampleRate, Channels: cfg.Channels, Device: cfg.Device}
	return func(c session.Call) (capture.Source, error) {
		switch cfg.Source {
		case "remote":
			tp, ok := c.(capture.TrackProvider)
			if !ok {
				return nil, errors.New("call transport does not expose remote tracks")
			}
			return capture.NewRemoteTrack(ccfg, tp)
		case "tone":
			return capture.NewTone(ccfg, toneFrequency), nil
		default:
			return capture.NewMicrophone(ccfg), nil
		}
	}
}

func notifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	if cfg.WebhookURL == "" {
		return notify.LogNotifier{}, nil
	}
	wh, err := notify.NewWebhookNotifier(cfg.WebhookURL, cfg.Username, nil)
	if err != nil {
		return nil, err
	}
	return notify.Multi{notify.LogNotifier{}, wh}, nil
}

// wired is a session plus the resources that outlive it.
type wired struct {
	session  *session.Session
	metrics  *metrics.Metrics
	recorder *call.EgressRecorder
}

func (w *wired) close() {
	if w.recorder != nil {
		w.recorder.Close()
	}
}

// buildSession assembles a session from cfg. State changes and the post-call
// documentation link are written to out.
func buildSession(cfg *config.Config, m *metrics.Metrics, out io.Writer) (*wired, error) {
	role, err := cfg.Role()
	if err != nil {
		return nil, err
	}
	self := participant.Participant{ID: cfg.Session.UserID, Name: cfg.Session.UserName, Role: role}
	if self.Name == "" {
		self.Name = self.ID
	}
	lk := call.Config{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		Room:      cfg.Session.ID,
		Identity:  self.ID,
		Name:      self.Name,
		Role:      role,
		TokenTTL:  cfg.LiveKit.TokenTTL,
	}
	n, err := notifier(cfg.Notify)
	if err != nil {
		return nil, err
	}
	w := &wired{metrics: m}

	deps := session.Deps{
		Transport: livekitTransport{cfg: lk},
		Capture:   captureSource(cfg.Audio),
		Notifier:  n,
		Metrics:   m,
		OnState: func(s session.State) {
			fmt.Fprintf(out, "state: %s\n", s)
		},
		OnPostCall: func(url string) {
			if url != "" {
				fmt.Fprintf(out, "documentation: %s\n", url)
			}
		},
	}

	if cfg.Transcription.Enabled {
		tcfg := transcript.Config{
			BaseURL:       cfg.Transcription.BaseURL,
			Role:          role.String(),
			UserID:        self.ID,
			SessionID:     cfg.Session.ID,
			BufferSize:    cfg.Transcription.BufferSize,
			FrameDuration: cfg.Audio.FrameDuration,
			Reconnect: transcript.ReconnectConfig{
				MaxAttempts:    cfg.Transcription.ReconnectAttempts,
				InitialBackoff: cfg.Transcription.ReconnectBackoff,
			},
			Metrics: m,
		}
		deps.DialTranscript = func(ctx context.Context) (session.TranscriptStream, error) {
			c, err := transcript.Dial(ctx, tcfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	if cfg.Recording.Enabled && role == participant.RoleHost {
		deps.NewRecorder = func(onActive func(string)) recording.Recorder {
			w.recorder = call.NewEgressRecorder(lk, call.EgressConfig{
				FilePrefix:   cfg.Recording.FilePrefix,
				PollInterval: cfg.Recording.PollInterval,
				OnActive:     onActive,
			})
			return w.recorder
		}
	}

	if cfg.Backend.BaseURL != "" {
		bc, err := backend.New(backend.Config{
			BaseURL:   cfg.Backend.BaseURL,
			AuthToken: cfg.Backend.AuthToken,
			Timeout:   cfg.Backend.Timeout,
			Attempts:  cfg.Backend.Attempts,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Backend.NotifyEndCall {
			deps.Backend = bc
		} else {
			deps.Backend = historyOnly{bc}
		}
	}

	sess, err := session.New(session.Config{
		SessionID:        cfg.Session.ID,
		AppointmentID:    cfg.Session.AppointmentID,
		Self:             self,
		PatientName:      cfg.Session.PatientName,
		Capacity:         cfg.Session.Capacity,
		ApprovalTimeout:  cfg.Session.ApprovalTimeout,
		CallFullRedirect: cfg.Session.CallFullRedirect,
		SampleRate:       cfg.Audio.SampleRate,
		FrameDuration:    cfg.Audio.FrameDuration,
		ReminderDelay:    cfg.Recording.ReminderDelay,
		RenewalInterval:  cfg.Recording.RenewalInterval,
		DocumentationURL: cfg.Session.DocumentationURL,
		StepTimeout:      cfg.Session.StepTimeout,
	}, deps)
	if err != nil {
		return nil, err
	}
	w.session = sess
	logging.Infow("cli: session assembled",
		append(logging.SessionFields(cfg.Session.ID, role.String()),
			"audio.source", cfg.Audio.Source,
			"transcription", cfg.Transcription.Enabled,
			"recording", deps.NewRecorder != nil,
			"backend", strings.TrimSpace(cfg.Backend.BaseURL) != "")...)
	return w, nil
}
