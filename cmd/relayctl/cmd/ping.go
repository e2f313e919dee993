package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Relaygate service",
	Long:  `Send a ping request to verify the Relaygate service is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]string
		if err := makeRequest(http.MethodGet, "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Pong! Service is running: %s\n", resp["status"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
