// Package signaling carries small JSON control messages between the
// participants of a call over the call transport's data channel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/telehealth-voice-lab/internal/logging"
)

// Topic is the data-channel topic the messages travel on.
const Topic = "waiting-room"

type Type string

const (
	JoinRequest  Type = "join-request"
	JoinAccepted Type = "join-accepted"
	JoinRejected Type = "join-rejected"

	// JoinCancelled is sent best-effort by a guest that stops waiting.
	JoinCancelled Type = "join-cancelled"
)

// User is the wire form of a participant.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Message struct {
	Type Type `json:"type"`
	User User `json:"user"`

	// SenderID is filled in on receipt from the transport's identity; it is
	// never sent.
	SenderID string `json:"-"`
}

var (
	ErrClosed      = errors.New("signaling: channel closed")
	ErrInvalidType = errors.New("signaling: unknown message type")
	ErrQueueFull   = errors.New("signaling: dispatch queue full")
)

func (t Type) valid() bool {
	switch t {
	case JoinRequest, JoinAccepted, JoinRejected, JoinCancelled:
		return true
	}
	return false
}

func Encode(m Message) ([]byte, error) {
	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, m.Type)
	}
	return json.Marshal(m)
}

func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("signaling: decode: %w", err)
	}
	if !m.Type.valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidType, m.Type)
	}
	return m, nil
}

// Publisher sends an encoded message to every other participant. Delivery
// is best effort.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Handler is invoked on the channel's dispatch goroutine.
type Handler func(Message)

// Channel sends messages through a Publisher and dispatches received ones to
// subscribers. All handlers run on one goroutine in receipt order.
type Channel struct {
	pub Publisher

	mu       sync.Mutex
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool

	queue chan Message
	done  chan struct{}
	once  sync.Once
}

const queueSize = 64

func NewChannel(pub Publisher) *Channel {
	c := &Channel{
		pub:      pub,
		handlers: make(map[uint64]Handler),
		queue:    make(chan Message, queueSize),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func (c *Channel) Send(ctx context.Context, m Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	if err := c.pub.Publish(ctx, payload); err != nil {
		return fmt.Errorf("signaling: publish %s: %w", m.Type, err)
	}
	logging.Debugw("signaling: sent", "type", m.Type, "user.id", m.User.ID)
	return nil
}

// Subscribe registers h and returns a func that removes it.
func (c *Channel) Subscribe(h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Deliver is called by the transport for every payload received on Topic.
// Malformed payloads are logged and dropped.
func (c *Channel) Deliver(payload []byte, senderID string) error {
	m, err := Decode(payload)
	if err != nil {
		logging.Warnw("signaling: dropping malformed message", "sender", senderID, "err", err)
		return err
	}
	m.SenderID = senderID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- m:
		return nil
	default:
		logging.Warnw("signaling: dispatch queue full, dropping message", "type", m.Type, "sender", senderID)
		return ErrQueueFull
	}
}

func (c *Channel) dispatch() {
	defer close(c.done)
	for m := range c.queue {
		c.mu.Lock()
		hs := make([]Handler, 0, len(c.handlers))
		for id := uint64(0); id < c.nextID; id++ {
			if h, ok := c.handlers[id]; ok {
				hs = append(hs, h)
			}
		}
		c.mu.Unlock()
		for _, h := range hs {
			h(m)
		}
	}
}

// Close stops dispatch after queued messages have been handled. Safe to
// call more than once; it must not be called from a handler.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()
		<-c.done
	})
	return nil
}
