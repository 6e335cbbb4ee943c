// Package config loads the call-session settings. Sources are applied in
// order: built-in defaults, an optional YAML file, a .env file, then
// environment variables. The CLI applies its flags last.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/telehealth-voice-lab/internal/participant"
)

type Config struct {
	LiveKit       LiveKitConfig       `yaml:"livekit"`
	Session       SessionConfig       `yaml:"session"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Recording     RecordingConfig     `yaml:"recording"`
	Backend       BackendConfig       `yaml:"backend"`
	Notify        NotifyConfig        `yaml:"notify"`
	Control       ControlConfig       `yaml:"control"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type LiveKitConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type SessionConfig struct {
	ID               string        `yaml:"id"`
	AppointmentID    string        `yaml:"appointment_id"`
	UserID           string        `yaml:"user_id"`
	UserName         string        `yaml:"user_name"`
	Role             string        `yaml:"role"`
	PatientName      string        `yaml:"patient_name"`
	Capacity         int           `yaml:"capacity"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	CallFullRedirect time.Duration `yaml:"call_full_redirect"`
	DocumentationURL string        `yaml:"documentation_url"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
}

type AudioConfig struct {
	// Source is microphone, remote or tone.
	Source        string        `yaml:"source"`
	Device        string        `yaml:"device"`
	Channels      int           `yaml:"channels"`
	SampleRate    int           `yaml:"sample_rate"`
	FrameDuration time.Duration `yaml:"frame_duration"`
}

type TranscriptionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	BufferSize        int           `yaml:"buffer_size"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
}

type RecordingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ReminderDelay   time.Duration `yaml:"reminder_delay"`
	RenewalInterval time.Duration `yaml:"renewal_interval"`
	FilePrefix      string        `yaml:"file_prefix"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	AuthToken     string        `yaml:"auth_token"`
	Timeout       time.Duration `yaml:"timeout"`
	Attempts      int           `yaml:"attempts"`
	NotifyEndCall bool          `yaml:"notify_end_call"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

type ControlConfig struct {
	// Addr is where a running session serves /mcp/ws, /health and /metrics.
	// Empty disables the control surface.
	Addr string `yaml:"addr"`
	// URL is what the admit/deny/status/transcript commands dial.
	URL string `yaml:"url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LiveKit: LiveKitConfig{TokenTTL: 2 * time.Hour},
		Session: SessionConfig{
			Role:             string(participant.RoleGuest),
			Capacity:         2,
			CallFullRedirect: 5 * time.Second,
			StepTimeout:      10 * time.Second,
		},
		Audio: AudioConfig{
			Source:        "microphone",
			Channels:      1,
			SampleRate:    16000,
			FrameDuration: 250 * time.Millisecond,
		},
		Transcription: TranscriptionConfig{Enabled: true, BufferSize: 200, ReconnectBackoff: 500 * time.Millisecond},
		Recording: RecordingConfig{
			Enabled:         true,
			ReminderDelay:   15 * time.Second,
			RenewalInterval: 5 * time.Minute,
			FilePrefix:      "recordings",
			PollInterval:    time.Second,
		},
		Backend: BackendConfig{Timeout: 10 * time.Second, Attempts: 3, NotifyEndCall: true},
		Notify:  NotifyConfig{Username: "callsession"},
		Control: ControlConfig{Addr: "127.0.0.1:7070", URL: "ws://127.0.0.1:7070/mcp/ws"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, path (optional), .env and
// the environment. It does not validate; call Validate once flags are
// applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("LIVEKIT_URL", &c.LiveKit.URL)
	str("LIVEKIT_API_KEY", &c.LiveKit.APIKey)
	str("LIVEKIT_API_SECRET", &c.LiveKit.APISecret)
	dur("LIVEKIT_TOKEN_TTL", &c.LiveKit.TokenTTL)

	str("CALL_SESSION_ID", &c.Session.ID)
	str("CALL_APPOINTMENT_ID", &c.Session.AppointmentID)
	str("CALL_USER_ID", &c.Session.UserID)
	str("CALL_USER_NAME", &c.Session.UserName)
	str("CALL_ROLE", &c.Session.Role)
	str("CALL_PATIENT_NAME", &c.Session.PatientName)
	num("CALL_CAPACITY", &c.Session.Capacity)
	dur("CALL_APPROVAL_TIMEOUT", &c.Session.ApprovalTimeout)
	dur("CALL_FULL_REDIRECT", &c.Session.CallFullRedirect)
	str("CALL_DOCUMENTATION_URL", &c.Session.DocumentationURL)

	str("AUDIO_SOURCE", &c.Audio.Source)
	str("AUDIO_DEVICE", &c.Audio.Device)
	num("AUDIO_SAMPLE_RATE", &c.Audio.SampleRate)
	dur("AUDIO_FRAME_DURATION", &c.Audio.FrameDuration)

	flag("TRANSCRIPTION_ENABLED", &c.Transcription.Enabled)
	str("TRANSCRIPTION_BASE_URL", &c.Transcription.BaseURL)
	num("TRANSCRIPTION_BUFFER_SIZE", &c.Transcription.BufferSize)
	num("TRANSCRIPTION_RECONNECT_ATTEMPTS", &c.Transcription.ReconnectAttempts)

	flag("RECORDING_ENABLED", &c.Recording.Enabled)
	dur("RECORDING_REMINDER_DELAY", &c.Recording.ReminderDelay)
	dur("RECORDING_RENEWAL_INTERVAL", &c.Recording.RenewalInterval)

	str("BACKEND_BASE_URL", &c.Backend.BaseURL)
	str("BACKEND_AUTH_TOKEN", &c.Backend.AuthToken)
	dur("BACKEND_TIMEOUT", &c.Backend.Timeout)
	num("BACKEND_ATTEMPTS", &c.Backend.Attempts)
	flag("BACKEND_NOTIFY_END_CALL", &c.Backend.NotifyEndCall)

	str("NOTIFY_WEBHOOK_URL", &c.Notify.WebhookURL)
	str("CONTROL_ADDR", &c.Control.Addr)
	str("CONTROL_URL", &c.Control.URL)
	str("LOG_LEVEL", &c.Logging.Level)
	return errors.Join(errs...)
}

// Role parses Session.Role.
func (c *Config) Role() (participant.Role, error) {
	return participant.ParseRole(c.Session.Role)
}

// Validate checks what a session needs before it can join.
func (c *Config) Validate() error {
	var errs []error
	req := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	req(c.LiveKit.URL, "livekit.url")
	req(c.LiveKit.APIKey, "livekit.api_key")
	req(c.LiveKit.APISecret, "livekit.api_secret")
	req(c.Session.ID, "session.id")
	req(c.Session.UserID, "session.user_id")

	role, err := c.Role()
	if err != nil {
		errs = append(errs, err)
	}
	if role == participant.RoleHost && c.Backend.NotifyEndCall {
		req(c.Backend.BaseURL, "backend.base_url")
		req(c.Session.AppointmentID, "session.appointment_id")
	}
	if c.Transcription.Enabled {
		req(c.Transcription.BaseURL, "transcription.base_url")
	}
	switch c.Audio.Source {
	case "microphone", "remote", "tone":
	default:
		errs = append(errs, fmt.Errorf("audio.source must be microphone, remote or tone, got %q", c.Audio.Source))
	}
	if c.Session.Capacity < 1 {
		errs = append(errs, fmt.Errorf("session.capacity must be at least 1, got %d", c.Session.Capacity))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.FrameDuration <= 0 {
		errs = append(errs, errors.New("audio.sample_rate and audio.frame_duration must be positive"))
	}
	if c.Recording.RenewalInterval <= 0 || c.Recording.ReminderDelay <= 0 {
		errs = append(errs, errors.New("recording.reminder_delay and recording.renewal_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// secretKeys are never logged in plaintext.
var secretKeys = map[string]struct{}{
	"api_key": {}, "api_secret": {}, "auth_token": {}, "webhook_url": {},
}

// Redacted returns the settings as a nested map with secrets replaced,
// suitable for a startup log line.
func (c *Config) Redacted() map[string]any {
	out := map[string]any{}
	b, err := yaml.Marshal(c)
	if err != nil {
		return out
	}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	redact(out)
	return out
}

func redact(v any) {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := secretKeys[strings.ToLower(k)]; ok {
				if s, _ := val.(string); s != "" {
					vv[k] = "<redacted>"
				}
				continue
			}
			redact(val)
		}
	case []any:
		for _, it := range vv {
			redact(it)
		}
	}
}
