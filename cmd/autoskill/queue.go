package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jingkaihe/autoskill/pkg/approval"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// QueueListConfig holds configuration for the queue list command
type QueueListConfig struct {
	Status string
	JSON   bool
}

// NewQueueListConfig creates a new QueueListConfig with default values
func NewQueueListConfig() *QueueListConfig {
	return &QueueListConfig{
		Status: string(patterns.StatusPending),
		JSON:   false,
	}
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Review queued proposals and operations",
	Long:  `List, approve and reject queued skill proposals and changes, and expire stale entries.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries",
	Long:  `List queue entries with the given status (pending by default). Use --status all to list everything.`,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getQueueListConfigFromFlags(cmd)
		listQueueCmd(cmd.Context(), config)
	},
}

var queueApproveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve queue entries",
	Long: `Approve one or more queue entries by id or id prefix (at least 4 characters).
Approving a proposal enables and deploys its skill.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dispatchQueueCmd(cmd.Context(), "approve "+strings.Join(args, ","))
	},
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <id> <reason...>",
	Short: "Reject a queue entry",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dispatchQueueCmd(cmd.Context(), "reject "+args[0]+" "+strings.Join(args[1:], " "))
	},
}

var queueCommandCmd = &cobra.Command{
	Use:   "command [text]",
	Short: "Apply approve/reject commands",
	Long: `Apply decision commands, one per line. Without an argument the commands are
read from standard input.

  approve <id>[,<id>...]
  approve all
  reject <id>[,<id>...] <reason>
  reject all <reason>

Examples:
  autoskill queue command "approve 3f2a,9b1c"
  echo "reject all not useful" | autoskill queue command`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		text, err := commandText(args, cmd.InOrStdin())
		if err != nil {
			presenter.Error(err, "failed to read commands")
			os.Exit(1)
		}
		dispatchQueueCmd(cmd.Context(), text)
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Expire stale proposals and prune old history",
	Long: `Expire pending entries older than detector.proposal_ttl, remove entries resolved
more than detector.retention ago and prune the action log to the same retention.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cleanupQueueCmd(cmd.Context())
	},
}

func init() {
	listDefaults := NewQueueListConfig()
	queueListCmd.Flags().String("status", listDefaults.Status, "Status to list (pending, approved, rejected, expired, all)")
	queueListCmd.Flags().Bool("json", listDefaults.JSON, "Print entries as JSON")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(withTracing(queueApproveCmd))
	queueCmd.AddCommand(withTracing(queueRejectCmd))
	queueCmd.AddCommand(withTracing(queueCommandCmd))
	queueCmd.AddCommand(withTracing(queueCleanupCmd))
	rootCmd.AddCommand(queueCmd)
}

func getQueueListConfigFromFlags(cmd *cobra.Command) *QueueListConfig {
	config := NewQueueListConfig()
	if status, err := cmd.Flags().GetString("status"); err == nil {
		config.Status = status
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

func commandText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", errors.Wrap(err, "failed to read standard input")
	}
	return string(raw), nil
}

// filterItems keeps items with status; "all" or empty keeps everything.
func filterItems(items []approval.Item, status string) []approval.Item {
	if status == "" || status == "all" {
		return items
	}
	var out []approval.Item
	for _, item := range items {
		if string(item.Status) == status {
			out = append(out, item)
		}
	}
	return out
}

func listQueueCmd(ctx context.Context, config *QueueListConfig) {
	a := openAssistant(ctx)
	defer a.Close()

	doc, err := a.Gate().Queue().Snapshot(ctx)
	if err != nil {
		presenter.Error(err, "failed to read queue")
		os.Exit(1)
	}
	items := filterItems(doc.Items(), config.Status)

	if config.JSON {
		printJSON(items)
		return
	}
	if len(items) == 0 {
		presenter.Info(fmt.Sprintf("No %s entries", config.Status))
		return
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			shortID(item.ID),
			string(item.Kind),
			item.Name,
			item.Tier.String(),
			string(item.Zone),
			string(item.Status),
			item.Summary,
		})
	}
	presenter.Table([]string{"ID", "KIND", "NAME", "TIER", "ZONE", "STATUS", "SUMMARY"}, rows)
}

func dispatchQueueCmd(ctx context.Context, text string) {
	a := openAssistant(ctx)
	defer a.Close()

	outcomes, err := a.Gate().Dispatch(ctx, text)
	if err != nil {
		presenter.Error(err, "invalid command")
		os.Exit(1)
	}
	if len(outcomes) == 0 {
		presenter.Info("Nothing to do")
		return
	}

	failed := 0
	for _, o := range outcomes {
		if o.Success {
			presenter.Success(fmt.Sprintf("%s %s: %s", o.Action, shortID(o.ID), o.Message))
			continue
		}
		failed++
		presenter.Error(errors.New(o.Message), fmt.Sprintf("%s %s", o.Action, o.ID))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func cleanupQueueCmd(ctx context.Context) {
	a := openAssistant(ctx)
	defer a.Close()

	report, err := a.Cleanup(ctx)
	if err != nil {
		presenter.Error(err, "cleanup failed")
		os.Exit(1)
	}
	presenter.Success(fmt.Sprintf("Expired %d, removed %d, dropped %d deployment records, pruned %d actions",
		report.Queue.Expired, report.Queue.Removed, report.Queue.Deployments, report.ActionsPruned))
}
