package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ClassifyConfig holds configuration for the classify command
type ClassifyConfig struct {
	Type                  string
	Tier                  int
	Targets               []string
	TouchesCore           bool
	TouchesCredentials    bool
	TouchesExternalConfig bool
	Description           string
	SkillFile             string
	Submit                bool
	JSON                  bool
}

// NewClassifyConfig creates a new ClassifyConfig with default values
func NewClassifyConfig() *ClassifyConfig {
	return &ClassifyConfig{
		Type:    string(zones.OpSkillCreate),
		Tier:    0,
		Targets: []string{},
	}
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify a change into a risk zone",
	Long: `Classify a proposed change into auto-execute, notify or approve. With --submit
the change is also disposed of: auto-execute and notify changes are applied,
approve changes are queued.

The tier is raised to the tier derived from --skill when one is given.

Examples:
  autoskill classify --type skill-create --skill ./drafts/post-digest.skill.yaml
  autoskill classify --type config-change --target config.yaml --touches-core
  autoskill classify --type skill-create --skill ./drafts/quick-lookup.skill.yaml --submit`,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getClassifyConfigFromFlags(cmd)
		runClassifyCommand(cmd.Context(), config)
	},
}

func init() {
	defaults := NewClassifyConfig()
	classifyCmd.Flags().StringP("type", "t", defaults.Type, "Operation type (skill-create, skill-edit, skill-fix, skill-delete, config-change, schema-change, dependency-add)")
	classifyCmd.Flags().Int("tier", defaults.Tier, "Tier of the change (0, 1 or 2)")
	classifyCmd.Flags().StringSlice("target", defaults.Targets, "Files the change touches (repeatable)")
	classifyCmd.Flags().Bool("touches-core", defaults.TouchesCore, "The change touches core engine code")
	classifyCmd.Flags().Bool("touches-credentials", defaults.TouchesCredentials, "The change touches credentials")
	classifyCmd.Flags().Bool("touches-external", defaults.TouchesExternalConfig, "The change touches external service configuration")
	classifyCmd.Flags().StringP("description", "d", defaults.Description, "Description of the change")
	classifyCmd.Flags().StringP("skill", "s", defaults.SkillFile, "Skill document the change creates or edits")
	classifyCmd.Flags().Bool("submit", defaults.Submit, "Apply or queue the change according to its zone")
	classifyCmd.Flags().Bool("json", defaults.JSON, "Print the result as JSON")
	rootCmd.AddCommand(withTracing(classifyCmd))
}

func getClassifyConfigFromFlags(cmd *cobra.Command) *ClassifyConfig {
	config := NewClassifyConfig()
	if opType, err := cmd.Flags().GetString("type"); err == nil {
		config.Type = opType
	}
	if tier, err := cmd.Flags().GetInt("tier"); err == nil {
		config.Tier = tier
	}
	if targets, err := cmd.Flags().GetStringSlice("target"); err == nil {
		config.Targets = targets
	}
	if core, err := cmd.Flags().GetBool("touches-core"); err == nil {
		config.TouchesCore = core
	}
	if creds, err := cmd.Flags().GetBool("touches-credentials"); err == nil {
		config.TouchesCredentials = creds
	}
	if external, err := cmd.Flags().GetBool("touches-external"); err == nil {
		config.TouchesExternalConfig = external
	}
	if description, err := cmd.Flags().GetString("description"); err == nil {
		config.Description = description
	}
	if skillFile, err := cmd.Flags().GetString("skill"); err == nil {
		config.SkillFile = skillFile
	}
	if submit, err := cmd.Flags().GetBool("submit"); err == nil {
		config.Submit = submit
	}
	if asJSON, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = asJSON
	}
	return config
}

// operation builds the zone operation described by the flags.
func (c *ClassifyConfig) operation() (zones.Operation, error) {
	tier := skills.Tier(c.Tier)
	if !tier.Valid() {
		return zones.Operation{}, errors.Errorf("tier must be 0, 1 or 2, got %d", c.Tier)
	}
	if c.Type == "" {
		return zones.Operation{}, errors.New("operation type is required")
	}
	return zones.Operation{
		Type:                  zones.OperationType(c.Type),
		Tier:                  tier,
		TargetFiles:           c.Targets,
		TouchesCore:           c.TouchesCore,
		TouchesCredentials:    c.TouchesCredentials,
		TouchesExternalConfig: c.TouchesExternalConfig,
		Description:           c.Description,
	}, nil
}

func runClassifyCommand(ctx context.Context, config *ClassifyConfig) {
	op, err := config.operation()
	if err != nil {
		presenter.Error(err, "invalid operation")
		os.Exit(1)
	}
	var def *skills.Definition
	if config.SkillFile != "" {
		if def, err = skills.LoadFile(config.SkillFile); err != nil {
			presenter.Error(err, "invalid skill document")
			os.Exit(1)
		}
	}

	a := openAssistant(ctx)
	defer a.Close()

	if !config.Submit {
		res, err := a.Classify(ctx, op, def)
		if err != nil {
			presenter.Error(err, "classification failed")
			os.Exit(1)
		}
		if config.JSON {
			printJSON(res)
			return
		}
		presenter.Info(fmt.Sprintf("Zone: %s (rule %s)", res.Zone, res.Rule))
		presenter.Info(res.Reason)
		return
	}

	decision, err := a.Submit(ctx, op, def)
	if err != nil {
		presenter.Error(err, "submission failed")
		os.Exit(1)
	}
	if config.JSON {
		printJSON(decision)
		return
	}
	presenter.Info(fmt.Sprintf("Zone: %s (rule %s): %s", decision.Classification.Zone, decision.Classification.Rule, decision.Classification.Reason))
	switch {
	case decision.Applied && decision.Deployment != nil:
		presenter.Success(fmt.Sprintf("Deployed %s %s to %s, rollback possible until %s",
			decision.Deployment.Name, decision.Deployment.Version, decision.Deployment.Path,
			decision.Deployment.ExpiresAt.Local().Format("2006-01-02 15:04")))
	case decision.Applied:
		presenter.Success("Applied")
	case decision.Queued:
		presenter.Warning(fmt.Sprintf("Queued for approval as %s", decision.ID))
	}
	if decision.Notice != nil {
		presenter.Notice(decision.Notice.Title, decision.Notice.Body)
	}
}
