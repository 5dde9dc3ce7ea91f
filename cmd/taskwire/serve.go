package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/taskwire/internal/config"
	"github.com/loykin/taskwire/internal/history"
	"github.com/loykin/taskwire/internal/history/factory"
	"github.com/loykin/taskwire/internal/httpapi"
	"github.com/loykin/taskwire/internal/logger"
	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/procserver"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Listen     string
	LogRoot    string
	HTTPListen string
}

func newServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the process server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(global, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&flags.LogRoot, "log-root", "", "log root directory (overrides config)")
	cmd.Flags().StringVar(&flags.HTTPListen, "http", "", "HTTP status API address (overrides config)")
	return cmd
}

func runServe(global *GlobalFlags, flags *ServeFlags) error {
	fc := &config.FileConfig{}
	if flags.ConfigPath != "" {
		loaded, err := config.Load(flags.ConfigPath)
		if err != nil {
			return err
		}
		fc = loaded
	}
	if flags.Listen != "" {
		fc.Listen = flags.Listen
	}
	if flags.LogRoot != "" {
		fc.LogRoot = flags.LogRoot
	}
	if flags.HTTPListen != "" {
		fc.HTTP = &config.HTTPConfig{Listen: flags.HTTPListen}
	}
	level := fc.LogLevel
	if global.LogLevel != "" {
		level = global.LogLevel
	}
	log := logger.New(os.Stderr, level, false)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var sinks []history.Sink
	for _, h := range fc.History {
		sink, err := factory.NewSinkFromDSN(h.DSN)
		if err != nil {
			return fmt.Errorf("history sink %s: %w", h.DSN, err)
		}
		sinks = append(sinks, sink)
	}

	var uploadDefaults procserver.UploadDefaults
	if fc.Upload != nil {
		uploadDefaults = procserver.UploadDefaults{
			Host:           fc.Upload.Host,
			Port:           fc.Upload.Port,
			User:           fc.Upload.User,
			MaxBytesPerSec: fc.Upload.MaxBytesPerSec,
		}
		if fc.Upload.CertFile != "" {
			pem, err := os.ReadFile(fc.Upload.CertFile)
			if err != nil {
				return fmt.Errorf("upload cert: %w", err)
			}
			uploadDefaults.CertPEM = pem
		}
	}

	srv := procserver.New(procserver.Options{
		Addr:    fc.Listen,
		LogRoot: fc.LogRoot,
		Logger:  log,
		History: sinks,
		Upload:  uploadDefaults,
	})
	if err := srv.Open(); err != nil {
		return err
	}

	var api *http.Server
	if fc.HTTP != nil && fc.HTTP.Listen != "" {
		api = httpapi.NewServer(fc.HTTP.Listen, "", srv, nil)
		log.Info("status API listening", "addr", fc.HTTP.Listen)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("signal received, shutting down", "signal", sig.String())
		srv.Quit()
	}()

	err := srv.Serve()
	if api != nil {
		_ = api.Close()
	}
	return err
}
