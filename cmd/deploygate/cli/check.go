package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/policy"
)

var (
	checkPayload string
	checkTask    string
	checkRemote  bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run the policy gate for a transaction payload",
	Long: `Check what verdict a payload would receive without creating an approval
request. With --remote the running server's policy is used instead of the
local config.`,
	Example: `  deploygate check -c deploygate.yaml --payload '{"to":null,"data":"0x6080","chainId":1}'
  deploygate check --remote -s http://127.0.0.1:8080 --payload '{"to":"0xabc","chainId":11155111}'`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkPayload, "payload", "", "transaction payload (JSON)")
	checkCmd.Flags().StringVar(&checkTask, "task", "", "task id")
	checkCmd.Flags().BoolVar(&checkRemote, "remote", false, "ask the running server")
	_ = checkCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if !json.Valid([]byte(checkPayload)) {
		return fmt.Errorf("--payload is not valid JSON")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var output *api.CheckResponse
	if checkRemote {
		output, err = newClient(cfg).Check(context.Background(), api.CheckRequest{
			TaskID:  checkTask,
			Payload: json.RawMessage(checkPayload),
		})
		if err != nil {
			return fmt.Errorf("remote check: %w", err)
		}
	} else {
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		result, err := engine.Evaluate(context.Background(), &policy.EvalInput{
			TaskID:  checkTask,
			Payload: json.RawMessage(checkPayload),
		})
		if err != nil {
			return fmt.Errorf("evaluation error: %w", err)
		}
		output = &api.CheckResponse{Verdict: result.Verdict, Rule: result.Rule, Message: result.Message}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
