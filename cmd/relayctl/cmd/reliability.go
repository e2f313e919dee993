package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

// reliabilityCmd represents the reliability command
var reliabilityCmd = &cobra.Command{
	Use:   "reliability",
	Short: "Show connector reliability reports",
	Long: `Score connector risk from recent attempt history and queue pressure.

Example:
  relayctl reliability --project p1 --lookback-hours 24
  relayctl reliability --project p1 --connector webhook`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		connectorType, _ := cmd.Flags().GetString("connector")
		lookback, _ := cmd.Flags().GetInt("lookback-hours")

		path := projectPath("/reliability")
		sep := "?"
		if lookback > 0 {
			path += sep + "lookback_hours=" + strconv.Itoa(lookback)
			sep = "&"
		}

		var reports []map[string]interface{}
		if connectorType != "" {
			path += sep + "connector_type=" + connectorType
			var report map[string]interface{}
			if err := makeRequest(http.MethodGet, path, nil, &report); err != nil {
				return fmt.Errorf("failed to get reliability report: %w", err)
			}
			reports = append(reports, report)
		} else {
			if err := makeRequest(http.MethodGet, path, nil, &reports); err != nil {
				return fmt.Errorf("failed to get reliability report: %w", err)
			}
		}

		if outputJSON {
			printOutput(reports)
		} else {
			for _, r := range reports {
				fmt.Printf("%v:\n", r["connector_type"])
				fmt.Printf("  risk_score: %v\n", r["risk_score"])
				fmt.Printf("  recommendation: %v\n", r["recommendation"])
				if insights, ok := r["insights"].(map[string]interface{}); ok {
					fmt.Printf("  attempts: %v (success rate %v)\n", insights["attempt_total"], insights["attempt_success_rate"])
				}
				if summary, ok := r["summary"].(map[string]interface{}); ok {
					fmt.Printf("  dead_lettered: %v  due_now: %v\n", summary["dead_lettered"], summary["due_now"])
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reliabilityCmd)

	reliabilityCmd.Flags().String("connector", "", "restrict to one connector type")
	reliabilityCmd.Flags().Int("lookback-hours", 0, "attempt history window (default 24)")
}
