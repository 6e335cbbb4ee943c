// Package metrics holds the prometheus collectors shared by the session
// components. All methods are safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callsession"

// Metrics groups every collector exported by a call session process.
type Metrics struct {
	gatherer prometheus.Gatherer

	FramesSent          prometheus.Counter
	FrameSendErrors     prometheus.Counter
	SilenceSignals      prometheus.Counter
	TranscriptEntries   prometheus.Counter
	TranscriptDropped   prometheus.Counter
	TranscriptReconnect prometheus.Counter
	JoinRequests        *prometheus.CounterVec
	RecordingCycles     prometheus.Counter
	RecordingFailures   *prometheus.CounterVec
	RecordingReminders  prometheus.Counter
	TeardownFailures    *prometheus.CounterVec
	SessionState        *prometheus.GaugeVec
}

// New registers the collectors on reg. Passing a *prometheus.Registry lets
// Handler serve exactly these series.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audio", Name: "frames_sent_total",
			Help: "Audio frames handed to the transcription stream.",
		}),
		FrameSendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audio", Name: "frame_send_errors_total",
			Help: "Audio frames the transcription stream failed to write.",
		}),
		SilenceSignals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audio", Name: "silence_signals_total",
			Help: "Silence control signals sent while muted.",
		}),
		TranscriptEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transcript", Name: "entries_total",
			Help: "Transcript entries received from the transcription backend.",
		}),
		TranscriptDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transcript", Name: "fanout_dropped_total",
			Help: "Transcript deliveries dropped because a subscriber was full.",
		}),
		TranscriptReconnect: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transcript", Name: "reconnects_total",
			Help: "Transcription socket reconnect attempts.",
		}),
		JoinRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "waitroom", Name: "join_requests_total",
			Help: "Join requests by outcome.",
		}, []string{"outcome"}),
		RecordingCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "renewal_cycles_total",
			Help: "Stop-then-start recording renewal cycles.",
		}),
		RecordingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "failures_total",
			Help: "Recording control failures by operation.",
		}, []string{"op"}),
		RecordingReminders: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "reminders_total",
			Help: "Reminders raised because recording did not report started in time.",
		}),
		TeardownFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "teardown_step_failures_total",
			Help: "Teardown steps that failed, by step.",
		}, []string{"step"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry the collectors were registered on, or the
// default gatherer when that registry cannot be gathered.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) FrameSendError() {
	if m != nil {
		m.FrameSendErrors.Inc()
	}
}

func (m *Metrics) SilenceSent() {
	if m != nil {
		m.SilenceSignals.Inc()
	}
}

func (m *Metrics) TranscriptReceived() {
	if m != nil {
		m.TranscriptEntries.Inc()
	}
}

func (m *Metrics) TranscriptDrop() {
	if m != nil {
		m.TranscriptDropped.Inc()
	}
}

func (m *Metrics) TranscriptReconnectAttempt() {
	if m != nil {
		m.TranscriptReconnect.Inc()
	}
}

func (m *Metrics) JoinRequest(outcome string) {
	if m != nil {
		m.JoinRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RecordingCycle() {
	if m != nil {
		m.RecordingCycles.Inc()
	}
}

func (m *Metrics) RecordingFailure(op string) {
	if m != nil {
		m.RecordingFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RecordingReminder() {
	if m != nil {
		m.RecordingReminders.Inc()
	}
}

func (m *Metrics) TeardownFailure(step string) {
	if m != nil {
		m.TeardownFailures.WithLabelValues(step).Inc()
	}
}

// SetState marks state as the only active session state among known.
func (m *Metrics) SetState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}
