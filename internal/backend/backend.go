// Package backend talks to the clinic's REST API: the call-history record
// written when a participant joins and the end-of-call queue that starts
// post-call processing.
package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRecorded is returned by InsertCallHistory when the session's
// history row already exists. Callers treat it as success.
var ErrAlreadyRecorded = errors.New("backend: call history already recorded")

type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	Attempts  int
	Client    *http.Client
}

type Client struct {
	cfg  Config
	base *url.URL
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend: base url required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, base: u}, nil
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.base
	path := u.EscapedPath()
	for _, s := range segments {
		path += "/" + url.PathEscape(s)
	}
	u.RawPath = path
	u.Path, _ = url.PathUnescape(path)
	u.RawQuery = query.Encode()
	return u.String()
}

// NotifyEndCall queues post-call processing for the appointment.
func (c *Client) NotifyEndCall(ctx context.Context, appointmentID, userID string) error {
	if appointmentID == "" {
		return errors.New("backend: appointment id required")
	}
	u := c.endpoint(url.Values{"username": {userID}}, "api", "end-call", appointmentID)
	body := struct {
		UserID string `json:"userId"`
	}{userID}
	return PostJSON(ctx, c.cfg.Client, u, body, c.cfg.AuthToken, c.cfg.Timeout, c.cfg.Attempts, uuid.NewString())
}

// CallHistory is the row written when a participant first joins a session.
type CallHistory struct {
	UserID        string    `json:"userID"`
	AppointmentID string    `json:"appointmentID"`
	StartTime     time.Time `json:"startTime"`
	FullName      string    `json:"fullName"`
	PatientName   string    `json:"patientName"`
	Role          string    `json:"role"`
}

func (c *Client) InsertCallHistory(ctx context.Context, sessionID string, h CallHistory) error {
	if sessionID == "" {
		return errors.New("backend: session id required")
	}
	u := c.endpoint(nil, "api", "call-history", sessionID)
	err := PostJSON(ctx, c.cfg.Client, u, h, c.cfg.AuthToken, c.cfg.Timeout, c.cfg.Attempts, uuid.NewString())
	var serr *StatusError
	if errors.As(err, &serr) && serr.Code == http.StatusConflict {
		return ErrAlreadyRecorded
	}
	return err
}
