package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jingkaihe/autoskill/pkg/assistant"
	"github.com/jingkaihe/autoskill/pkg/config"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// shutdownTracing flushes spans once the command returns.
var shutdownTracing func(context.Context) error

var rootCmd = &cobra.Command{
	Use:   "autoskill",
	Short: "Self-improving skill automation for a personal assistant",
	Long: `autoskill matches incoming activity against declarative skills, runs them
with tools and agents, watches the action log for repeated work and proposes
new skills, which are gated by risk zone before they are deployed.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.Configure(viper.GetString("log_level"), viper.GetString("log_format")); err != nil {
			return err
		}
		if quiet, err := cmd.Flags().GetBool("quiet"); err == nil {
			presenter.SetQuiet(quiet)
		}
		shutdown, err := initTracing(cmd.Context())
		if err != nil {
			logger.G(cmd.Context()).WithError(err).Warn("failed to initialise tracing")
			return nil
		}
		shutdownTracing = shutdown
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		if shutdownTracing == nil {
			return
		}
		if err := shutdownTracing(context.Background()); err != nil {
			logger.G(cmd.Context()).WithError(err).Warn("failed to shut down tracing")
		}
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, json)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only print errors and JSON output")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// loadConfig resolves the configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		presenter.Error(err, "invalid configuration")
		os.Exit(1)
	}
	return cfg
}

// openAssistant builds the engine from the resolved configuration or exits.
// Callers must Close it.
func openAssistant(ctx context.Context) *assistant.Assistant {
	a, err := assistant.New(ctx, loadConfig(), assistant.WithStdout(os.Stdout))
	if err != nil {
		presenter.Error(err, "failed to initialise autoskill")
		os.Exit(1)
	}
	return a
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		presenter.Error(err, "failed to format output")
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func main() {
	ctx := context.Background()

	if err := config.Setup(viper.GetViper()); err != nil {
		presenter.Error(err, "failed to read configuration")
		os.Exit(1)
	}
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
