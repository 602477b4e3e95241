package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/deploygate/api"
)

var (
	requestPayload string
	requestMessage string
	requestTask    string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Queue a mock approval request on a running server",
	Long: `Ask the server to start a mock task that requests approval and waits for
the decision. Without --payload a Sepolia contract deployment is used.`,
	Example: `  deploygate request --message "Deploy Token v2" --task demo
  deploygate request --payload '{"to":"0xabc","data":"0xa9059cbb","chainId":1}'`,
	Args: cobra.NoArgs,
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&requestPayload, "payload", "", "transaction payload (JSON)")
	requestCmd.Flags().StringVarP(&requestMessage, "message", "m", "", "message shown to the approver")
	requestCmd.Flags().StringVar(&requestTask, "task", "", "task id")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req := api.MockRequest{Message: requestMessage, TaskID: requestTask}
	if requestPayload != "" {
		if !json.Valid([]byte(requestPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		req.Payload = json.RawMessage(requestPayload)
	}

	resp, err := newClient(cfg).MockRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("creating mock request: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("mock request refused: %s", resp.Error)
	}
	return nil
}
