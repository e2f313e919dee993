package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// policyCmd represents the policy command
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the backpressure policy",
	Long:  `Inspect or set the project's active backpressure policy.`,
}

var policyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the active backpressure policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		var resp map[string]interface{}
		if err := makeRequest(http.MethodGet, projectPath("/backpressure-policy"), nil, &resp); err != nil {
			return fmt.Errorf("failed to get policy: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the active backpressure policy",
	Long: `Upsert the project's backpressure policy directly, bypassing the
draft workflow.

Example:
  relayctl policy set --project p1 --enabled --max-retrying 50 --max-due-now 100 --min-limit 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		enabled, _ := cmd.Flags().GetBool("enabled")
		maxRetrying, _ := cmd.Flags().GetInt("max-retrying")
		maxDueNow, _ := cmd.Flags().GetInt("max-due-now")
		minLimit, _ := cmd.Flags().GetInt("min-limit")
		overridesStr, _ := cmd.Flags().GetString("connector-overrides")

		body := map[string]interface{}{
			"is_enabled":   enabled,
			"max_retrying": maxRetrying,
			"max_due_now":  maxDueNow,
			"min_limit":    minLimit,
		}
		if overridesStr != "" {
			overrides, err := parseJSONMap(overridesStr)
			if err != nil {
				return fmt.Errorf("invalid --connector-overrides: %w", err)
			}
			body["connector_overrides"] = overrides
		}

		var resp map[string]interface{}
		if err := makeRequest(http.MethodPut, projectPath("/backpressure-policy"), body, &resp); err != nil {
			return fmt.Errorf("failed to set policy: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policySetCmd)

	policySetCmd.Flags().Bool("enabled", false, "enable backpressure throttling")
	policySetCmd.Flags().Int("max-retrying", 0, "retrying count threshold")
	policySetCmd.Flags().Int("max-due-now", 0, "due-now count threshold")
	policySetCmd.Flags().Int("min-limit", 1, "throttled batch size")
	policySetCmd.Flags().String("connector-overrides", "", "per-connector overrides as a JSON object")
}
