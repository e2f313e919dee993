package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// draftCmd represents the draft command
var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Manage the backpressure policy draft",
	Long: `Propose, approve, apply, and discard a backpressure policy draft.
A draft supersedes the live policy only once it has collected the required
approvals and its activation time (if any) has passed.`,
}

var draftProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a new policy draft",
	Long: `Create or replace the project's policy draft. A new proposal resets
any approvals collected by a previous one.

Example:
  relayctl draft propose --project p1 --enabled --max-retrying 50 \
    --min-limit 5 --required-approvals 2 --activate-at 2026-09-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		enabled, _ := cmd.Flags().GetBool("enabled")
		maxRetrying, _ := cmd.Flags().GetInt("max-retrying")
		maxDueNow, _ := cmd.Flags().GetInt("max-due-now")
		minLimit, _ := cmd.Flags().GetInt("min-limit")
		required, _ := cmd.Flags().GetInt("required-approvals")
		activateAt, _ := cmd.Flags().GetString("activate-at")
		overridesStr, _ := cmd.Flags().GetString("connector-overrides")

		body := map[string]interface{}{
			"is_enabled":   enabled,
			"max_retrying": maxRetrying,
			"max_due_now":  maxDueNow,
			"min_limit":    minLimit,
		}
		if required > 0 {
			body["required_approvals"] = required
		}
		if activateAt != "" {
			t, err := time.Parse(time.RFC3339, activateAt)
			if err != nil {
				return fmt.Errorf("invalid --activate-at (expected RFC3339): %w", err)
			}
			body["activate_at"] = t
		}
		if overridesStr != "" {
			overrides, err := parseJSONMap(overridesStr)
			if err != nil {
				return fmt.Errorf("invalid --connector-overrides: %w", err)
			}
			body["connector_overrides"] = overrides
		}

		var resp map[string]interface{}
		if err := makeRequest(http.MethodPut, projectPath("/backpressure-draft"), body, &resp); err != nil {
			return fmt.Errorf("failed to propose draft: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

var draftShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current draft and its readiness",
	Long: `Show the draft. With --as, readiness is previewed as if that actor
approved right now, without recording anything.

Example:
  relayctl draft show --project p1 --as alice@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("as")

		path := projectPath("/backpressure-draft")
		if actor != "" {
			path += "?actor=" + actor
		}

		var resp struct {
			Draft     map[string]interface{} `json:"draft"`
			Readiness map[string]interface{} `json:"readiness"`
		}
		if err := makeRequest(http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to get draft: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Println("Draft:")
			fmt.Printf("  Required approvals: %v\n", resp.Draft["required_approvals"])
			fmt.Printf("  Approval count: %v\n", resp.Readiness["approval_count"])
			fmt.Printf("  Approvals remaining: %v\n", resp.Readiness["approvals_remaining"])
			fmt.Printf("  Activation ready: %v\n", resp.Readiness["activation_ready"])
			fmt.Printf("  Ready: %v\n", resp.Readiness["ready"])
			if reason, ok := resp.Readiness["reason"]; ok {
				fmt.Printf("  Blocking reason: %v\n", reason)
			}
		}
		return nil
	},
}

var draftApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve the current draft",
	Long: `Record an approval for the draft. Approvals are deduplicated per
actor (case-insensitive).

Example:
  relayctl draft approve --project p1 --as alice@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("as")
		if actor == "" {
			return fmt.Errorf("--as is required")
		}

		var resp map[string]interface{}
		body := map[string]interface{}{"actor": actor}
		if err := makeRequest(http.MethodPost, projectPath("/backpressure-draft/approve"), body, &resp); err != nil {
			return fmt.Errorf("failed to approve draft: %w", err)
		}
		printOutput(resp)
		return nil
	},
}

var draftApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the current draft",
	Long: `Activate the draft as the live backpressure policy. Fails with a
specific reason (approvals_pending or activation_time_pending) when the
draft is not ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		var resp map[string]interface{}
		if err := makeRequest(http.MethodPost, projectPath("/backpressure-draft/apply"), nil, &resp); err != nil {
			return fmt.Errorf("failed to apply draft: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Println("Draft applied; live policy updated.")
		}
		return nil
	},
}

var draftDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Discard the current draft",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		if err := makeRequest(http.MethodDelete, projectPath("/backpressure-draft"), nil, nil); err != nil {
			return fmt.Errorf("failed to discard draft: %w", err)
		}
		fmt.Println("Draft discarded.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(draftCmd)
	draftCmd.AddCommand(draftProposeCmd)
	draftCmd.AddCommand(draftShowCmd)
	draftCmd.AddCommand(draftApproveCmd)
	draftCmd.AddCommand(draftApplyCmd)
	draftCmd.AddCommand(draftDiscardCmd)

	draftProposeCmd.Flags().Bool("enabled", false, "enable backpressure throttling")
	draftProposeCmd.Flags().Int("max-retrying", 0, "retrying count threshold")
	draftProposeCmd.Flags().Int("max-due-now", 0, "due-now count threshold")
	draftProposeCmd.Flags().Int("min-limit", 1, "throttled batch size")
	draftProposeCmd.Flags().Int("required-approvals", 0, "approvals needed before apply (1-10)")
	draftProposeCmd.Flags().String("activate-at", "", "earliest activation time (RFC3339)")
	draftProposeCmd.Flags().String("connector-overrides", "", "per-connector override patch as a JSON object")

	draftShowCmd.Flags().String("as", "", "preview readiness as this actor")
	draftApproveCmd.Flags().String("as", "", "approving actor")
}
