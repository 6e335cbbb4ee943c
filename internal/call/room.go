package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/signaling"
)

var ErrLeft = errors.New("call: left room")

// Events are invoked from LiveKit callback goroutines and must not block.
type Events struct {
	// OnData receives payloads published on the signaling topic.
	OnData func(payload []byte, senderID string)
	// OnParticipantLeft fires when a remote participant disconnects.
	OnParticipantLeft func(identity string)
}

type participantLister interface {
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
}

// Room is one connection to a LiveKit room.
type Room struct {
	cfg    Config
	events Events
	rooms  participantLister
	room   *lksdk.Room

	tracks chan *webrtc.TrackRemote

	mu       sync.Mutex
	left     bool
	done     chan struct{}
	doneOnce sync.Once
}

func newRoom(cfg Config, ev Events, rooms participantLister) *Room {
	return &Room{
		cfg:    cfg,
		events: ev,
		rooms:  rooms,
		tracks: make(chan *webrtc.TrackRemote, 1),
		done:   make(chan struct{}),
	}
}

// Connect joins cfg.Room with token and starts routing room events.
func Connect(ctx context.Context, cfg Config, token string, ev Events) (*Room, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := newRoom(cfg, ev, lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret))
	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Infow("call: disconnected from room", "room", cfg.Room)
			r.markDone()
		},
		OnParticipantDisconnected: func(p *lksdk.RemoteParticipant) {
			r.participantLeft(p.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				logging.Debugw("call: audio track subscribed", "participant", rp.Identity(), "codec", track.Codec().MimeType)
				r.offerTrack(track)
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				pkt, ok := data.(*lksdk.UserDataPacket)
				if !ok {
					return
				}
				r.receive(pkt.Topic, pkt.Payload, params.SenderIdentity)
			},
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	res := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(cfg.URL, token, callbacks)
		res <- result{room, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if out := <-res; out.room != nil {
				out.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case out := <-res:
		if out.err != nil {
			return nil, fmt.Errorf("call: connect to room: %w", out.err)
		}
		r.room = out.room
	}
	logging.Infow("call: connected to room", "room", r.room.Name(), "identity", r.room.LocalParticipant.Identity())
	return r, nil
}

func (r *Room) receive(topic string, payload []byte, sender string) {
	if topic != signaling.Topic || r.events.OnData == nil {
		return
	}
	r.events.OnData(payload, sender)
}

func (r *Room) participantLeft(identity string) {
	logging.Infow("call: participant left", "participant", identity)
	if r.events.OnParticipantLeft != nil {
		r.events.OnParticipantLeft(identity)
	}
}

// offerTrack keeps only the first unclaimed audio track.
func (r *Room) offerTrack(t *webrtc.TrackRemote) {
	select {
	case r.tracks <- t:
	default:
	}
}

// Publish sends payload to every other participant on the signaling topic.
func (r *Room) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	left := r.left
	r.mu.Unlock()
	if left || r.room == nil {
		return ErrLeft
	}
	return r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishTopic(signaling.Topic),
		lksdk.WithDataPublishReliable(true),
	)
}

// OtherParticipants counts people in the room other than this identity.
// Recorder participants do not take a seat.
func (r *Room) OtherParticipants(ctx context.Context) (int, error) {
	resp, err := r.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: r.cfg.Room})
	if err != nil {
		return 0, fmt.Errorf("call: list participants: %w", err)
	}
	return countOthers(resp.GetParticipants(), r.cfg.Identity), nil
}

func countOthers(ps []*livekit.ParticipantInfo, self string) int {
	n := 0
	for _, p := range ps {
		if p.GetIdentity() == self || p.GetKind() == livekit.ParticipantInfo_EGRESS {
			continue
		}
		n++
	}
	return n
}

// AudioTrack waits for the first remote audio track.
func (r *Room) AudioTrack(ctx context.Context) (*webrtc.TrackRemote, error) {
	select {
	case t := <-r.tracks:
		return t, nil
	case <-r.done:
		return nil, ErrLeft
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the room connection ends for any reason.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) markDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Leave disconnects from the room. Safe to call more than once.
func (r *Room) Leave() error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	r.left = true
	r.mu.Unlock()
	if r.room != nil {
		r.room.Disconnect()
	}
	r.markDone()
	return nil
}
