package commands

import (
	"github.com/pterm/pterm"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/logger"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/version"
)

// printStartupBanner prints the user-friendly startup message.
func printStartupBanner(port, verbosity int) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("kaldigstserver - speech recognition gateway")
	pterm.Println()
	pterm.Info.Printf("Version:   %s (commit %s)\n", info.Version, info.Short())
	pterm.Info.Printf("Port:      %d\n", port)
	pterm.Info.Printf("Verbosity: %s\n", logger.LevelName(verbosity))
	pterm.Info.Println("Workers connect on /worker/ws/speech")
	pterm.Info.Println("Press Ctrl+C to stop")
	pterm.Println()
}
