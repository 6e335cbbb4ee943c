// Package cli is the callsession command tree: join runs a session in the
// foreground, the other commands drive a running session through its
// control endpoint.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/telehealth-voice-lab/internal/config"
	"github.com/telehealth-voice-lab/internal/logging"
)

type Dependencies struct {
	Version string
	// Config is filled by the root command before any subcommand runs.
	Config *config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	var configPath, logLevel string

	rootCmd := &cobra.Command{
		Use:           "callsession",
		Short:         "Join and control telehealth call sessions",
		Long:          "Runs one participant's side of a telehealth call: waiting-room admission, live transcription and, for the host, recording supervision.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logging.Init(cfg.Logging.Level)
			deps.Config = cfg
			return nil
		},
	}
	rootCmd.Version = deps.Version

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(NewJoinCmd(deps))
	rootCmd.AddCommand(NewStatusCmd(deps))
	rootCmd.AddCommand(NewAdmitCmd(deps))
	rootCmd.AddCommand(NewDenyCmd(deps))
	rootCmd.AddCommand(NewTranscriptCmd(deps))
	rootCmd.AddCommand(NewDismissCmd(deps))
	rootCmd.AddCommand(NewEndCmd(deps))

	return rootCmd
}
