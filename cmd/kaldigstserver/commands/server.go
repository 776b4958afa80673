package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/config"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/errors"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/logger"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/server"
)

// PortFlag is bound to --port on the root command; 0 means "use config".
var PortFlag int

const shutdownTimeout = 10 * time.Second

// RunServer starts the master server and blocks until SIGINT/SIGTERM.
func RunServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if !cmd.Flags().Changed("verbose") {
		verbosity = cfg.Logging.Verbosity
	}
	if !cmd.Flags().Changed("json-logs") {
		jsonLogs = cfg.Logging.JSON
	}
	if err := logger.Initialize(jsonLogs, verbosity); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Sync()

	port := cfg.Server.Port
	if PortFlag != 0 {
		port = PortFlag
	}

	printStartupBanner(port, verbosity)

	srv := server.NewMasterServer(cfg, logger.Logger)
	if err := srv.Start(port); err != nil {
		return err
	}

	// Hot-reload log verbosity when the config file changes on disk.
	if path := config.ConfigFilePath(); path != "" {
		watcher, err := config.NewWatcher(path)
		if err != nil {
			logger.Logger.Warnw("Config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(c *config.Config) {
				logger.SetVerbosity(c.Logging.Verbosity)
			})
			watcher.Start()
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
