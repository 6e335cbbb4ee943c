package call

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/telehealth-voice-lab/internal/logging"
)

const (
	recordingWidth     = 640
	recordingHeight    = 360
	recordingFramerate = 30

	DefaultPollInterval = time.Second
)

type egressAPI interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
	ListEgress(ctx context.Context, req *livekit.ListEgressRequest) (*livekit.ListEgressResponse, error)
}

type EgressConfig struct {
	Room string
	// FilePrefix is prepended to each segment file; the egress service
	// expands {time} in the name.
	FilePrefix   string
	PollInterval time.Duration
	// OnActive is called once per segment when the egress service reports
	// it is writing.
	OnActive func(segmentID string)
}

// EgressRecorder records the room as 360p MP4 segments through LiveKit
// room-composite egress.
type EgressRecorder struct {
	cfg EgressConfig
	api egressAPI

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewEgressRecorder(call Config, cfg EgressConfig) *EgressRecorder {
	if cfg.Room == "" {
		cfg.Room = call.Room
	}
	return newEgressRecorder(cfg, lksdk.NewEgressClient(call.URL, call.APIKey, call.APISecret))
}

func newEgressRecorder(cfg EgressConfig, api egressAPI) *EgressRecorder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "recordings"
	}
	return &EgressRecorder{cfg: cfg, api: api, pollers: make(map[string]context.CancelFunc)}
}

func (e *EgressRecorder) request() *livekit.RoomCompositeEgressRequest {
	return &livekit.RoomCompositeEgressRequest{
		RoomName: e.cfg.Room,
		Layout:   "speaker",
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_MP4,
			Filepath: path.Join(e.cfg.FilePrefix, e.cfg.Room+"-{time}.mp4"),
		}},
		Options: &livekit.RoomCompositeEgressRequest_Advanced{
			Advanced: &livekit.EncodingOptions{
				Width:     recordingWidth,
				Height:    recordingHeight,
				Framerate: recordingFramerate,
			},
		},
	}
}

// StartRecording asks for a new segment and returns its egress id. The
// segment counts as started only once OnActive fires.
func (e *EgressRecorder) StartRecording(ctx context.Context) (string, error) {
	info, err := e.api.StartRoomCompositeEgress(ctx, e.request())
	if err != nil {
		return "", fmt.Errorf("call: start egress: %w", err)
	}
	id := info.GetEgressId()
	if id == "" {
		return "", errors.New("call: start egress: empty egress id")
	}
	logging.Infow("call: egress requested", "room", e.cfg.Room, "egress_id", id, "status", info.GetStatus().String())
	if info.GetStatus() == livekit.EgressStatus_EGRESS_ACTIVE {
		e.active(id)
		return id, nil
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.pollers[id] = cancel
	e.mu.Unlock()
	e.wg.Add(1)
	go e.poll(pollCtx, id)
	return id, nil
}

func (e *EgressRecorder) active(id string) {
	if e.cfg.OnActive != nil {
		e.cfg.OnActive(id)
	}
}

func (e *EgressRecorder) poll(ctx context.Context, id string) {
	defer e.wg.Done()
	defer e.forget(id)
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		resp, err := e.api.ListEgress(ctx, &livekit.ListEgressRequest{EgressId: id})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Debugw("call: egress status poll failed", "egress_id", id, "err", err)
			continue
		}
		for _, item := range resp.GetItems() {
			if item.GetEgressId() != id {
				continue
			}
			switch item.GetStatus() {
			case livekit.EgressStatus_EGRESS_ACTIVE:
				e.active(id)
				return
			case livekit.EgressStatus_EGRESS_FAILED, livekit.EgressStatus_EGRESS_ABORTED,
				livekit.EgressStatus_EGRESS_COMPLETE, livekit.EgressStatus_EGRESS_LIMIT_REACHED:
				logging.Warnw("call: egress ended before becoming active", "egress_id", id, "status", item.GetStatus().String(), "error", item.GetError())
				return
			}
		}
	}
}

func (e *EgressRecorder) forget(id string) {
	e.mu.Lock()
	cancel, ok := e.pollers[id]
	delete(e.pollers, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopRecording ends the segment and its status poller.
func (e *EgressRecorder) StopRecording(ctx context.Context, segmentID string) error {
	e.forget(segmentID)
	if segmentID == "" {
		return nil
	}
	if _, err := e.api.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: segmentID}); err != nil {
		return fmt.Errorf("call: stop egress %s: %w", segmentID, err)
	}
	return nil
}

// Close cancels outstanding pollers and waits for them.
func (e *EgressRecorder) Close() {
	e.mu.Lock()
	for id, cancel := range e.pollers {
		cancel()
		delete(e.pollers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
