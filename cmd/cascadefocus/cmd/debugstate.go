package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var debugStateAddress string

var debugStateCmd = &cobra.Command{
	Use:   "debug-state <conference-id>",
	Short: "Fetch a running instance's conference.DebugState() JSON dump",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugState,
}

func init() {
	debugStateCmd.Flags().StringVar(&debugStateAddress, "address", "http://127.0.0.1:9091", "base URL of a running instance's metrics server")
}

func runDebugState(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/debug/conference/%s", debugStateAddress, args[0])

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("debug-state: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("debug-state: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("debug-state: %s: %s", resp.Status, body)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return err
}
