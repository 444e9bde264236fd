package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/spf13/cobra"
)

// DetectConfig holds configuration for the detect command
type DetectConfig struct {
	Every time.Duration
	JSON  bool
}

// NewDetectConfig creates a new DetectConfig with default values
func NewDetectConfig() *DetectConfig {
	return &DetectConfig{
		Every: 0,
		JSON:  false,
	}
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Look for repeated activity and propose new skills",
	Long: `Run a pattern detection cycle over the action log. Groups of similar
actions that recur often enough become draft skill proposals, which are
queued for review.

With --every the cycle repeats on that interval until interrupted, followed
each time by queue housekeeping.`,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getDetectConfigFromFlags(cmd)
		runDetectCommand(cmd.Context(), config)
	},
}

func init() {
	defaults := NewDetectConfig()
	detectCmd.Flags().Duration("every", defaults.Every, "Repeat detection on this interval until interrupted")
	detectCmd.Flags().Bool("json", defaults.JSON, "Print reports as JSON")
	rootCmd.AddCommand(withTracing(detectCmd))
}

func getDetectConfigFromFlags(cmd *cobra.Command) *DetectConfig {
	config := NewDetectConfig()
	if every, err := cmd.Flags().GetDuration("every"); err == nil {
		config.Every = every
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

func runDetectCommand(ctx context.Context, config *DetectConfig) {
	if config.Every < 0 {
		presenter.Error(fmt.Errorf("every cannot be negative, got %s", config.Every), "invalid interval")
		os.Exit(1)
	}

	a := openAssistant(ctx)
	defer a.Close()

	if config.Every == 0 {
		report, err := a.Detect(ctx)
		if err != nil {
			presenter.Error(err, "detection failed")
			os.Exit(1)
		}
		printReport(report, config.JSON)
		return
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	presenter.Info(fmt.Sprintf("Running detection every %s, press Ctrl+C to stop", config.Every))
	a.DetectEvery(ctx, config.Every, func(report *patterns.Report, err error) {
		if err != nil {
			presenter.Error(err, "detection failed")
			return
		}
		printReport(report, config.JSON)
		logDetection(ctx, a, report, nil)
	})
}

func printReport(report *patterns.Report, asJSON bool) {
	if asJSON {
		printJSON(report)
		return
	}

	presenter.Info(fmt.Sprintf("Scanned %d actions in %d groups", report.ActionsScanned, report.Groups))
	if report.QueryError != "" {
		presenter.Warning("action log query failed: " + report.QueryError)
	}
	if len(report.Proposals) == 0 {
		presenter.Info("No new proposals")
	} else {
		rows := make([][]string, 0, len(report.Proposals))
		for _, p := range report.Proposals {
			rows = append(rows, []string{
				shortID(p.ID),
				p.Skill.Name,
				p.Tier.String(),
				strconv.Itoa(p.Pattern.Frequency),
				firstExample(p.Pattern.Examples),
			})
		}
		presenter.Table([]string{"ID", "SKILL", "TIER", "SEEN", "EXAMPLE"}, rows)
	}
	for _, skip := range report.Skipped {
		presenter.Warning(fmt.Sprintf("skipped group %s (%d actions): %s", shortID(skip.Fingerprint), skip.Size, skip.Reason))
	}
}

// shortID trims ids and fingerprints for tables. Commands accept prefixes.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstExample(examples []string) string {
	if len(examples) == 0 {
		return ""
	}
	if r := []rune(examples[0]); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return examples[0]
}
