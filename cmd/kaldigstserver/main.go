package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/cmd/kaldigstserver/commands"
)

var rootCmd = &cobra.Command{
	Use:   "kaldigstserver",
	Short: "Speech-recognition gateway master server",
	Long: `kaldigstserver - dispatch core of the speech-recognition gateway.

The master server brokers audio/result streams between clients and a pool
of recognition workers. Clients stream audio over a websocket or a chunked
HTTP upload and receive incremental recognition events plus a final
transcript; workers connect over the worker websocket endpoint and
advertise availability.

Examples:
  kaldigstserver --port 8888    # start the master on port 8888
  kaldigstserver version        # print build information`,
	RunE: commands.RunServer,
}

func init() {
	rootCmd.Flags().IntVar(&commands.PortFlag, "port", 0, "listening port (overrides config; default 8888)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "emit JSON log lines instead of console output")

	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
