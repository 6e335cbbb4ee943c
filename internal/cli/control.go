package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/telehealth-voice-lab/internal/control"
)

const controlTimeout = 15 * time.Second

// withControl connects to the session's control endpoint, runs fn and
// closes the connection.
func withControl(cmd *cobra.Command, deps *Dependencies, url string, fn func(context.Context, *control.Client) error) error {
	if url == "" {
		url = deps.Config.Control.URL
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
	defer cancel()
	c := control.NewClient("callsession-cli", deps.Version)
	if err := c.ConnectWebSocket(ctx, url); err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func NewStatusCmd(deps *Dependencies) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running session's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, deps, url, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Control endpoint (defaults to control.url)")
	return cmd
}

func newDecisionCmd(deps *Dependencies, use, short, verb string, decide func(*control.Client, context.Context, string) error) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   use + " [participant-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return withControl(cmd, deps, url, func(ctx context.Context, c *control.Client) error {
				if id == "" {
					reply, err := c.Pending(ctx)
					if err != nil {
						return err
					}
					if !reply.Pending {
						return fmt.Errorf("no guest is waiting")
					}
					id = reply.Request.ID()
				}
				if err := decide(c, ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Control endpoint (defaults to control.url)")
	return cmd
}

func NewAdmitCmd(deps *Dependencies) *cobra.Command {
	return newDecisionCmd(deps, "admit", "Admit the waiting guest", "admitted", (*control.Client).Approve)
}

func NewDenyCmd(deps *Dependencies) *cobra.Command {
	return newDecisionCmd(deps, "deny", "Deny the waiting guest", "denied", (*control.Client).Reject)
}

func NewTranscriptCmd(deps *Dependencies) *cobra.Command {
	var url string
	var limit int
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the most recent transcript lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, deps, url, func(ctx context.Context, c *control.Client) error {
				entries, err := c.Transcript(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range entries {
					speaker := e.Speaker
					if speaker == "" {
						speaker = "-"
					}
					fmt.Fprintf(out, "%d\t%s\t%s\n", e.Seq, speaker, e.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Control endpoint (defaults to control.url)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of entries")
	return cmd
}

func NewDismissCmd(deps *Dependencies) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "dismiss-reminder",
		Short: "Hide the recording-not-started reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, deps, url, func(ctx context.Context, c *control.Client) error {
				return c.DismissReminder(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Control endpoint (defaults to control.url)")
	return cmd
}

func NewEndCmd(deps *Dependencies) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "end",
		Short: "End the call and print the teardown report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, deps, url, func(ctx context.Context, c *control.Client) error {
				report, err := c.EndCall(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Control endpoint (defaults to control.url)")
	return cmd
}
