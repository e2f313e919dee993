package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// guardianCmd represents the guardian command
var guardianCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Manage the guardian remediation loop",
	Long: `Inspect or set the project's guardian policy and trigger a
remediation pass on demand.`,
}

var guardianGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the guardian policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		var resp map[string]interface{}
		if err := makeRequest(http.MethodGet, projectPath("/guardian-policy"), nil, &resp); err != nil {
			return fmt.Errorf("failed to get guardian policy: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

var guardianSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the guardian policy",
	Long: `Upsert the project's guardian policy.

Example:
  relayctl guardian set --project p1 --enabled --risk-threshold 25 \
    --max-actions 3 --cooldown-minutes 15 --allow-process-queue --allow-redrive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		enabled, _ := cmd.Flags().GetBool("enabled")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		threshold, _ := cmd.Flags().GetFloat64("risk-threshold")
		maxActions, _ := cmd.Flags().GetInt("max-actions")
		cooldown, _ := cmd.Flags().GetInt("cooldown-minutes")
		lookback, _ := cmd.Flags().GetInt("lookback-hours")
		actionLimit, _ := cmd.Flags().GetInt("action-limit")
		minDeadLetter, _ := cmd.Flags().GetInt("min-dead-letter-minutes")
		allowProcess, _ := cmd.Flags().GetBool("allow-process-queue")
		allowRedrive, _ := cmd.Flags().GetBool("allow-redrive")

		body := map[string]interface{}{
			"is_enabled":              enabled,
			"dry_run":                 dryRun,
			"risk_threshold":          threshold,
			"max_actions_per_project": maxActions,
			"cooldown_minutes":        cooldown,
			"allow_process_queue":     allowProcess,
			"allow_redrive":           allowRedrive,
		}
		if lookback > 0 {
			body["lookback_hours"] = lookback
		}
		if actionLimit > 0 {
			body["action_limit"] = actionLimit
		}
		if minDeadLetter > 0 {
			body["min_dead_letter_minutes"] = minDeadLetter
		}

		var resp map[string]interface{}
		if err := makeRequest(http.MethodPut, projectPath("/guardian-policy"), body, &resp); err != nil {
			return fmt.Errorf("failed to set guardian policy: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

var guardianTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one guardian pass for the project",
	Long: `Evaluate connector risk and execute remediation actions immediately,
without waiting for the background loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		var resp struct {
			ProjectID string                   `json:"project_id"`
			Actioned  int                      `json:"actioned"`
			Actions   []map[string]interface{} `json:"actions"`
			Skips     []map[string]interface{} `json:"skips"`
			Failures  []string                 `json:"failures"`
		}
		if err := makeRequest(http.MethodPost, projectPath("/guardian/tick"), nil, &resp); err != nil {
			return fmt.Errorf("failed to tick guardian: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Guardian pass: %d actions, %d skips, %d failures\n", resp.Actioned, len(resp.Skips), len(resp.Failures))
			for _, a := range resp.Actions {
				fmt.Printf("  %v %v (risk %v, dry_run %v)\n", a["type"], a["connector_type"], a["risk_score"], a["dry_run"])
			}
			for _, s := range resp.Skips {
				fmt.Printf("  skipped %v %v: %v\n", s["action"], s["connector_type"], s["reason"])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(guardianCmd)
	guardianCmd.AddCommand(guardianGetCmd)
	guardianCmd.AddCommand(guardianSetCmd)
	guardianCmd.AddCommand(guardianTickCmd)

	guardianSetCmd.Flags().Bool("enabled", false, "enable the guardian loop for this project")
	guardianSetCmd.Flags().Bool("dry-run", false, "record actions without executing them")
	guardianSetCmd.Flags().Float64("risk-threshold", 0, "minimum risk score that triggers remediation")
	guardianSetCmd.Flags().Int("max-actions", 0, "maximum actions per pass")
	guardianSetCmd.Flags().Int("cooldown-minutes", 0, "cooldown between repeated actions on a connector")
	guardianSetCmd.Flags().Int("lookback-hours", 0, "attempt history window for risk scoring")
	guardianSetCmd.Flags().Int("action-limit", 0, "batch size for guardian-triggered processing")
	guardianSetCmd.Flags().Int("min-dead-letter-minutes", 0, "minimum dead-letter age for guardian redrives")
	guardianSetCmd.Flags().Bool("allow-process-queue", false, "allow the process_queue action")
	guardianSetCmd.Flags().Bool("allow-redrive", false, "allow the redrive_dead_letters action")
}
