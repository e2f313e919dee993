package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Manage outbound deliveries",
	Long:  `Enqueue deliveries, process the queue, inspect status, and redrive dead letters.`,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a new delivery",
	Long: `Enqueue a payload for delivery through a connector.

Example:
  relayctl delivery enqueue --project p1 --connector webhook \
    --payload '{"event":"order.created","id":42}' \
    --config '{"url":"https://example.com/hook"}' \
    --idempotency-key order-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		connectorType, _ := cmd.Flags().GetString("connector")
		payloadStr, _ := cmd.Flags().GetString("payload")
		configStr, _ := cmd.Flags().GetString("config")
		idemKey, _ := cmd.Flags().GetString("idempotency-key")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		if connectorType == "" {
			return fmt.Errorf("--connector is required")
		}
		payload, err := parseJSONMap(payloadStr)
		if err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
		var config map[string]interface{}
		if configStr != "" {
			config, err = parseJSONMap(configStr)
			if err != nil {
				return fmt.Errorf("invalid --config: %w", err)
			}
		}

		body := map[string]interface{}{
			"connector_type": connectorType,
			"payload":        payload,
		}
		if config != nil {
			body["config"] = config
		}
		if idemKey != "" {
			body["idempotency_key"] = idemKey
		}
		if maxAttempts > 0 {
			body["max_attempts"] = maxAttempts
		}

		var resp struct {
			Delivery  map[string]interface{} `json:"delivery"`
			Duplicate bool                   `json:"duplicate"`
		}
		if err := makeRequest(http.MethodPost, projectPath("/deliveries"), body, &resp); err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Enqueued delivery: %v\n", resp.Delivery["id"])
			fmt.Printf("  Status: %v\n", resp.Delivery["status"])
			if resp.Duplicate {
				fmt.Println("  Duplicate: true (existing delivery returned)")
			}
		}
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process due deliveries",
	Long: `Run one processing pass over the project's due deliveries.

Example:
  relayctl delivery process --project p1 --connector webhook --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		connectorType, _ := cmd.Flags().GetString("connector")
		limit, _ := cmd.Flags().GetInt("limit")
		ignoreSchedule, _ := cmd.Flags().GetBool("ignore-schedule")

		body := map[string]interface{}{}
		if connectorType != "" {
			body["connector_type"] = connectorType
		}
		if limit > 0 {
			body["limit"] = limit
		}
		if ignoreSchedule {
			body["ignore_schedule"] = true
		}

		var resp struct {
			Processed  int                      `json:"processed"`
			Decision   map[string]interface{}   `json:"decision"`
			Resolution map[string]interface{}   `json:"resolution"`
			Deliveries []map[string]interface{} `json:"deliveries"`
		}
		if err := makeRequest(http.MethodPost, projectPath("/deliveries/process"), body, &resp); err != nil {
			return fmt.Errorf("failed to process queue: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Processed %d deliveries\n", resp.Processed)
			if resp.Decision["throttled"] == true {
				fmt.Printf("  Throttled: %v (limit %v)\n", resp.Decision["reason"], resp.Decision["effective_limit"])
			}
			for _, d := range resp.Deliveries {
				fmt.Printf("  %v -> %v\n", d["id"], d["status"])
			}
		}
		return nil
	},
}

var redriveCmd = &cobra.Command{
	Use:   "redrive [delivery-id]",
	Short: "Redrive a dead-lettered delivery",
	Long: `Reset a dead-lettered delivery back to queued so it is retried.

Example:
  relayctl delivery redrive del_456 --project p1 --min-age-minutes 15`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		minAge, _ := cmd.Flags().GetInt("min-age-minutes")

		body := map[string]interface{}{}
		if minAge > 0 {
			body["min_dead_letter_minutes"] = minAge
		}

		var resp map[string]interface{}
		if err := makeRequest(http.MethodPost, projectPath("/deliveries/"+args[0]+"/redrive"), body, &resp); err != nil {
			return fmt.Errorf("failed to redrive: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Redriven delivery: %v\n", resp["id"])
			fmt.Printf("  Status: %v\n", resp["status"])
		}
		return nil
	},
}

var redriveBatchCmd = &cobra.Command{
	Use:   "redrive-batch",
	Short: "Redrive a batch of dead-lettered deliveries",
	Long: `Redrive up to --limit eligible dead-lettered deliveries, oldest first.

Example:
  relayctl delivery redrive-batch --project p1 --connector webhook --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		connectorType, _ := cmd.Flags().GetString("connector")
		limit, _ := cmd.Flags().GetInt("limit")
		minAge, _ := cmd.Flags().GetInt("min-age-minutes")

		body := map[string]interface{}{}
		if connectorType != "" {
			body["connector_type"] = connectorType
		}
		if limit > 0 {
			body["limit"] = limit
		}
		if minAge > 0 {
			body["min_dead_letter_minutes"] = minAge
		}

		var resp struct {
			Redriven   int                      `json:"redriven"`
			Deliveries []map[string]interface{} `json:"deliveries"`
		}
		if err := makeRequest(http.MethodPost, projectPath("/deliveries/redrive-batch"), body, &resp); err != nil {
			return fmt.Errorf("failed to redrive batch: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Redriven %d deliveries\n", resp.Redriven)
			for _, d := range resp.Deliveries {
				fmt.Printf("  %v\n", d["id"])
			}
		}
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize the delivery queue",
	Long: `Show per-status counts and due-now pressure for the project.

Example:
  relayctl delivery summary --project p1 --connector webhook`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireProject(); err != nil {
			return err
		}
		connectorType, _ := cmd.Flags().GetString("connector")

		path := projectPath("/deliveries/summary")
		if connectorType != "" {
			path += "?connector_type=" + connectorType
		}

		var resp map[string]interface{}
		if err := makeRequest(http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to summarize: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Println("Queue summary:")
			for _, k := range []string{"total", "queued", "retrying", "delivered", "dead_lettered", "due_now"} {
				fmt.Printf("  %s: %v\n", k, resp[k])
			}
			if v, ok := resp["earliest_next_attempt_at"]; ok {
				fmt.Printf("  earliest_next_attempt_at: %v\n", v)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(enqueueCmd)
	deliveryCmd.AddCommand(processCmd)
	deliveryCmd.AddCommand(redriveCmd)
	deliveryCmd.AddCommand(redriveBatchCmd)
	deliveryCmd.AddCommand(summaryCmd)

	// Flags for enqueue command
	enqueueCmd.Flags().String("connector", "", "connector type (webhook, chat, ticket, queue, database)")
	enqueueCmd.Flags().String("payload", "{}", "payload as a JSON object")
	enqueueCmd.Flags().String("config", "", "transport config as a JSON object")
	enqueueCmd.Flags().String("idempotency-key", "", "idempotency key for enqueue deduplication")
	enqueueCmd.Flags().Int("max-attempts", 0, "maximum delivery attempts (1-10)")

	// Flags for process command
	processCmd.Flags().String("connector", "", "restrict to one connector type")
	processCmd.Flags().Int("limit", 0, "requested batch size")
	processCmd.Flags().Bool("ignore-schedule", false, "process retrying deliveries before their scheduled time")

	// Flags for redrive commands
	redriveCmd.Flags().Int("min-age-minutes", 0, "minimum dead-letter age in minutes")
	redriveBatchCmd.Flags().String("connector", "", "restrict to one connector type")
	redriveBatchCmd.Flags().Int("limit", 0, "maximum deliveries to redrive")
	redriveBatchCmd.Flags().Int("min-age-minutes", 0, "minimum dead-letter age in minutes")

	// Flags for summary command
	summaryCmd.Flags().String("connector", "", "restrict to one connector type")
}
