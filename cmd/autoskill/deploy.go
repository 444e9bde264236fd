package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <skill>",
	Short: "Roll back a recent skill deployment",
	Long: `Unregister a deployed skill and delete its generated document. Only
deployments still inside approval.rollback_window can be rolled back.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRollbackCommand(cmd.Context(), args[0])
	},
}

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List tracked deployments",
	Run: func(cmd *cobra.Command, _ []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		listDeploymentsCmd(cmd.Context(), asJSON)
	},
}

func init() {
	deploymentsCmd.Flags().Bool("json", false, "Print deployments as JSON")
	rootCmd.AddCommand(withTracing(rollbackCmd))
	rootCmd.AddCommand(deploymentsCmd)
}

func runRollbackCommand(ctx context.Context, name string) {
	a := openAssistant(ctx)
	defer a.Close()

	res, err := a.Gate().Rollback(ctx, name)
	if err != nil {
		presenter.Error(err, "rollback failed")
		os.Exit(1)
	}
	if !res.Success {
		presenter.Warning(res.Reason)
		os.Exit(1)
	}
	presenter.Success(res.Reason)
}

func listDeploymentsCmd(ctx context.Context, asJSON bool) {
	a := openAssistant(ctx)
	defer a.Close()

	deployments, err := a.Gate().Queue().Deployments(ctx)
	if err != nil {
		presenter.Error(err, "failed to read deployments")
		os.Exit(1)
	}
	if asJSON {
		printJSON(deployments)
		return
	}
	if len(deployments) == 0 {
		presenter.Info("No tracked deployments")
		return
	}

	now := time.Now()
	rows := make([][]string, 0, len(deployments))
	for _, d := range deployments {
		window := "closed"
		if d.Rollbackable(now) {
			window = fmt.Sprintf("open for %s", d.ExpiresAt.Sub(now).Round(time.Minute))
		}
		rows = append(rows, []string{
			d.Name,
			d.Version,
			string(d.Zone),
			d.DeployedAt.Local().Format(time.DateTime),
			window,
		})
	}
	presenter.Table([]string{"SKILL", "VERSION", "ZONE", "DEPLOYED", "ROLLBACK"}, rows)
}
