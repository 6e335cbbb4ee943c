// Package transcript streams framed audio to the transcription backend over
// a websocket and fans the returned transcript entries out to subscribers.
package transcript

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Entry is one unit of transcription output. Entries are immutable once
// appended to a Buffer.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
	Speaker   string    `json:"speaker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"is_final"`
	Raw       string    `json:"raw"`
}

type envelope struct {
	Transcript *string         `json:"transcript"`
	Text       *string         `json:"text"`
	Speaker    string          `json:"speaker"`
	Timestamp  json.RawMessage `json:"timestamp"`
	IsFinal    bool            `json:"is_final"`
}

// Parse normalises one inbound socket message. JSON objects are unpacked,
// preferring transcript over text; anything else is treated as plain text.
// ok is false when the message holds no text, which includes JSON control
// messages without either field.
func Parse(payload []byte, received time.Time) (Entry, bool) {
	raw := string(payload)
	e := Entry{Raw: raw, Timestamp: received}

	var env envelope
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal(payload, &env) == nil {
		switch {
		case env.Transcript != nil && *env.Transcript != "":
			e.Text = *env.Transcript
		case env.Text != nil:
			e.Text = *env.Text
		}
		e.Speaker = env.Speaker
		e.IsFinal = env.IsFinal
		if ts, ok := parseTimestamp(env.Timestamp); ok {
			e.Timestamp = ts
		}
	} else {
		e.Text = raw
	}
	e.Text = strings.TrimSpace(e.Text)
	return e, e.Text != ""
}

// parseTimestamp accepts RFC3339 strings and unix seconds, integral or
// fractional.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixFloat(f), true
		}
		return time.Time{}, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return unixFloat(f), true
	}
	return time.Time{}, false
}

func unixFloat(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
