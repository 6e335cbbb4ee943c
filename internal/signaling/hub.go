package signaling

import (
	"context"
	"sync"
)

// Hub connects channels inside one process, standing in for the call
// transport's data channel. A published payload reaches every other
// connected channel.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*Channel
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*Channel)}
}

// Connect returns a channel for identity id. Connecting the same id again
// replaces the previous channel and closes it.
func (h *Hub) Connect(id string) *Channel {
	ch := NewChannel(&hubEndpoint{hub: h, id: id})
	h.mu.Lock()
	prev := h.peers[id]
	h.peers[id] = ch
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return ch
}

// Disconnect removes id from the hub and closes its channel.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	ch, ok := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()
	if ok {
		_ = ch.Close()
	}
}

// Count reports connected identities.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

type hubEndpoint struct {
	hub *Hub
	id  string
}

func (e *hubEndpoint) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.RLock()
	peers := make([]*Channel, 0, len(e.hub.peers))
	for id, ch := range e.hub.peers {
		if id != e.id {
			peers = append(peers, ch)
		}
	}
	e.hub.mu.RUnlock()
	for _, ch := range peers {
		// best effort, like a lossy data channel
		_ = ch.Deliver(payload, e.id)
	}
	return nil
}
