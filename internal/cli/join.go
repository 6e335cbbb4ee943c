package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/telehealth-voice-lab/internal/config"
	"github.com/telehealth-voice-lab/internal/control"
	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
)

type joinFlags struct {
	session     string
	appointment string
	user        string
	name        string
	role        string
	source      string
	controlAddr string
}

// apply copies the flags that were set on cmd over cfg.
func (f *joinFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("session", &cfg.Session.ID, f.session)
	set("appointment", &cfg.Session.AppointmentID, f.appointment)
	set("user", &cfg.Session.UserID, f.user)
	set("name", &cfg.Session.UserName, f.name)
	set("role", &cfg.Session.Role, f.role)
	set("source", &cfg.Audio.Source, f.source)
	set("control-addr", &cfg.Control.Addr, f.controlAddr)
}

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var flags joinFlags

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a call and stay in it until Ctrl+C or end",
		Long:  "Joins the call as host or guest. Guests wait in the waiting room until the host admits them.\nThe host serves a control endpoint that admit, deny, status, transcript and end talk to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, deps.Version, cmd)
		},
	}

	flags.bind(cmd)
	return cmd
}

func (f *joinFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "Session (room) id")
	cmd.Flags().StringVar(&f.appointment, "appointment", "", "Appointment id for the end-of-call queue")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "Participant id")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Display name")
	cmd.Flags().StringVarP(&f.role, "role", "r", "", "host or guest")
	cmd.Flags().StringVar(&f.source, "source", "", "Audio source: microphone, remote or tone")
	cmd.Flags().StringVar(&f.controlAddr, "control-addr", "", "Control listen address; empty disables it")
}

func runJoin(ctx context.Context, cfg *config.Config, version string, cmd *cobra.Command) error {
	logging.Debugw("cli: effective config", "config", cfg.Redacted())
	m := metrics.New(prometheus.NewRegistry())
	w, err := buildSession(cfg, m, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer w.close()

	if cfg.Control.Addr != "" {
		srvCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h := control.Handler(control.NewServer(w.session, version), m.Handler())
		go func() {
			if err := control.Serve(srvCtx, cfg.Control.Addr, h); err != nil {
				logging.Warnw("cli: control server stopped", "err", err, "addr", cfg.Control.Addr)
			}
		}()
	}

	err = w.session.Run(ctx)
	report, _ := w.session.End(context.Background())
	for _, step := range report.Steps {
		if step.Error != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "teardown %s: %s\n", step.Name, step.Error)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
