package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Run commands
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and cancel host-runs",
}

var runGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one host-run with its full context",
	Long: `Show a host-run: current state, attempt count, detected protocol,
per-component results, progress events and any recorded error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := apiClient(cmd).GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(run)
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a queued or in-flight host-run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Run cancelled: %s\n", args[0])
		return nil
	},
}

func init() {
	runCmd.AddCommand(runGetCmd)
	runCmd.AddCommand(runCancelCmd)
}
