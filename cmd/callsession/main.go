package main

import (
	"fmt"
	"os"

	"github.com/telehealth-voice-lab/internal/cli"
	"github.com/telehealth-voice-lab/internal/logging"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callsession:", err)
		os.Exit(1)
	}
}

func run() error {
	defer func() { _ = logging.Sync() }()
	return cli.NewRootCmd(&cli.Dependencies{Version: version}).Execute()
}
