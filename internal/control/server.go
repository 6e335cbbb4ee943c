// Package control exposes a running session to the host's tooling as MCP
// tools served over a websocket, plus the client the CLI uses to call them.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/telehealth-voice-lab/internal/session"
	"github.com/telehealth-voice-lab/internal/transcript"
	"github.com/telehealth-voice-lab/internal/waitroom"
)

const (
	ToolStatus          = "session_status"
	ToolPending         = "pending_join_request"
	ToolApprove         = "approve_join"
	ToolReject          = "reject_join"
	ToolDismissReminder = "dismiss_recording_reminder"
	ToolTranscript      = "recent_transcript"
	ToolEndCall         = "end_call"

	defaultTranscriptLimit = 20
)

// Controller is the session surface the tools act on.
type Controller interface {
	Status() session.Status
	PendingRequest() (waitroom.Request, bool)
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
	DismissReminder()
	RecentTranscript(n int) []transcript.Entry
	End(ctx context.Context) (session.TeardownReport, error)
}

type PendingReply struct {
	Pending bool              `json:"pending"`
	Request *waitroom.Request `json:"request,omitempty"`
}

type decisionArgs struct {
	ID string `json:"id,omitempty" jsonschema:"guest participant id; defaults to the pending request"`
}

type transcriptArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of most recent entries to return"`
}

type noArgs struct{}

func jsonResult(v interface{}) (*sdk.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("control: encode result: %w", err)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
}

// NewServer builds an MCP server whose tools drive ctrl.
func NewServer(ctrl Controller, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "callsession-control", Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: ToolStatus, Description: "Current session state, recording status and pending request"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			return jsonResult(ctrl.Status())
		})

	sdk.AddTool(server, &sdk.Tool{Name: ToolPending, Description: "The guest currently waiting for admission, if any"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			r, ok := ctrl.PendingRequest()
			reply := PendingReply{Pending: ok}
			if ok {
				reply.Request = &r
			}
			return jsonResult(reply)
		})

	decide := func(apply func(context.Context, string) error) func(context.Context, *sdk.CallToolRequest, decisionArgs) (*sdk.CallToolResult, any, error) {
		return func(ctx context.Context, req *sdk.CallToolRequest, args decisionArgs) (*sdk.CallToolResult, any, error) {
			id := args.ID
			if id == "" {
				r, ok := ctrl.PendingRequest()
				if !ok {
					return nil, nil, waitroom.ErrNoPendingRequest
				}
				id = r.ID()
			}
			if err := apply(ctx, id); err != nil {
				return nil, nil, err
			}
			return jsonResult(map[string]string{"id": id})
		}
	}
	sdk.AddTool(server, &sdk.Tool{Name: ToolApprove, Description: "Admit the waiting guest"}, decide(ctrl.Approve))
	sdk.AddTool(server, &sdk.Tool{Name: ToolReject, Description: "Deny the waiting guest"}, decide(ctrl.Reject))

	sdk.AddTool(server, &sdk.Tool{Name: ToolDismissReminder, Description: "Hide the recording-not-started reminder"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			ctrl.DismissReminder()
			return jsonResult(map[string]bool{"dismissed": true})
		})

	sdk.AddTool(server, &sdk.Tool{Name: ToolTranscript, Description: "Most recent transcript entries, oldest first"},
		func(ctx context.Context, req *sdk.CallToolRequest, args transcriptArgs) (*sdk.CallToolResult, any, error) {
			limit := args.Limit
			if limit <= 0 {
				limit = defaultTranscriptLimit
			}
			entries := ctrl.RecentTranscript(limit)
			if entries == nil {
				entries = []transcript.Entry{}
			}
			return jsonResult(entries)
		})

	sdk.AddTool(server, &sdk.Tool{Name: ToolEndCall, Description: "End the call and run teardown"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			report, err := ctrl.End(ctx)
			if err != nil {
				return nil, nil, err
			}
			return jsonResult(report)
		})

	return server
}

// toolError extracts the message of a tool-level failure.
func toolError(res *sdk.CallToolResult) error {
	for _, c := range res.Content {
		if t, ok := c.(*sdk.TextContent); ok && t.Text != "" {
			return errors.New(t.Text)
		}
	}
	return errors.New("control: tool failed")
}
