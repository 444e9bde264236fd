package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jingkaihe/autoskill/pkg/assistant"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/jingkaihe/autoskill/pkg/server"
	"github.com/spf13/cobra"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Host        string
	Port        int
	HotReload   bool
	DetectEvery time.Duration
}

// NewServeConfig creates a new ServeConfig with default values
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Host:        "localhost",
		Port:        8080,
		HotReload:   true,
		DetectEvery: 0,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the autoskill HTTP API",
	Long: `Start a local HTTP server exposing events, skills, executions, the approval
queue, detection, classification and rollback under /api.

Skill documents are reloaded on change unless --hot-reload=false is given
and skills.hot_reload is off. With --detect-every the pattern detector and
queue housekeeping run on that interval while the server is up.`,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getServeConfigFromFlags(cmd)
		runServeCommand(cmd.Context(), config)
	},
}

func init() {
	defaults := NewServeConfig()
	serveCmd.Flags().String("host", defaults.Host, "Host to bind the API server to")
	serveCmd.Flags().Int("port", defaults.Port, "Port to bind the API server to")
	serveCmd.Flags().Bool("hot-reload", defaults.HotReload, "Reload skills when their documents change")
	serveCmd.Flags().Duration("detect-every", defaults.DetectEvery, "Run a detection cycle on this interval (0 disables)")
	rootCmd.AddCommand(withTracing(serveCmd))
}

// getServeConfigFromFlags extracts serve configuration from command flags
func getServeConfigFromFlags(cmd *cobra.Command) *ServeConfig {
	config := NewServeConfig()

	if host, err := cmd.Flags().GetString("host"); err == nil {
		config.Host = host
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil {
		config.Port = port
	}
	if hotReload, err := cmd.Flags().GetBool("hot-reload"); err == nil {
		config.HotReload = hotReload
	}
	if every, err := cmd.Flags().GetDuration("detect-every"); err == nil {
		config.DetectEvery = every
	}

	return config
}

// validateServeConfig validates the serve configuration
func validateServeConfig(config *ServeConfig) error {
	if config.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if config.Host != "localhost" && config.Host != "0.0.0.0" {
		if ip := net.ParseIP(config.Host); ip == nil {
			if strings.Contains(config.Host, " ") || strings.Contains(config.Host, ":") {
				return fmt.Errorf("invalid host: %s", config.Host)
			}
		}
	}

	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}
	if config.DetectEvery < 0 {
		return fmt.Errorf("detect-every cannot be negative, got %s", config.DetectEvery)
	}

	if config.Port < 1024 {
		logger.G(context.Background()).WithField("port", config.Port).Warn("using privileged port (< 1024) may require elevated permissions")
	}

	return nil
}

// runServeCommand starts the API server and its background loops
func runServeCommand(ctx context.Context, config *ServeConfig) {
	if err := validateServeConfig(config); err != nil {
		presenter.Error(err, "invalid server configuration")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := openAssistant(ctx)
	defer a.Close()

	logger.G(ctx).WithFields(map[string]any{
		"host":   config.Host,
		"port":   config.Port,
		"skills": a.Registry().Len(),
	}).Info("starting autoskill API server")

	if config.HotReload || a.Config().Skills.HotReload {
		go func() {
			if err := a.Watch(ctx); err != nil {
				logger.G(ctx).WithError(err).Error("skill watcher stopped")
			}
		}()
		presenter.Info("Watching skill directories for changes")
	}
	if config.DetectEvery > 0 {
		go a.DetectEvery(ctx, config.DetectEvery, func(report *patterns.Report, err error) {
			logDetection(ctx, a, report, err)
		})
		presenter.Info(fmt.Sprintf("Running detection every %s", config.DetectEvery))
	}

	srv, err := server.NewServer(a, &server.ServerConfig{Host: config.Host, Port: config.Port})
	if err != nil {
		presenter.Error(err, "failed to create API server")
		os.Exit(1)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			logger.G(ctx).WithError(closeErr).Error("failed to close API server")
		}
	}()

	presenter.Success(fmt.Sprintf("API server starting on http://%s:%d", config.Host, config.Port))
	presenter.Info("Press Ctrl+C to stop the server")

	if err := srv.Start(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("API server error")
		presenter.Error(err, "API server failed")
		os.Exit(1)
	}

	presenter.Info("API server stopped")
}

// logDetection records one background cycle and runs queue housekeeping
// after it.
func logDetection(ctx context.Context, a *assistant.Assistant, report *patterns.Report, err error) {
	log := logger.G(ctx)
	if err != nil {
		log.WithError(err).Warn("detection cycle failed")
		return
	}
	log.WithField("proposals", len(report.Proposals)).
		WithField("actions", report.ActionsScanned).
		Info("detection cycle finished")

	cleanup, err := a.Cleanup(ctx)
	if err != nil {
		log.WithError(err).Warn("queue cleanup failed")
		return
	}
	log.WithField("expired", cleanup.Queue.Expired).
		WithField("pruned_actions", cleanup.ActionsPruned).
		Debug("queue cleanup finished")
}
