package main

import (
	"fmt"
	"os"

	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/spf13/cobra"
)

// Credential commands operate on the local store directly, so they must
// run on the orchestrator node while "foundry serve" is stopped (bbolt
// takes an exclusive file lock).
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage stored credentials (db backend)",
	Long: `Manage credentials in the encrypted db backend.

Secrets are sealed with AES-256-GCM under a key derived from
FOUNDRY_CRED_KEY; the same key must be set when running "foundry serve".
Run these commands on the orchestrator node while the server is stopped.`,
}

var credentialSetCmd = &cobra.Command{
	Use:   "set HOST_ID",
	Short: "Store iDRAC credentials for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		src, store, err := openDBSource(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		creds := types.Credentials{Username: username, Password: password}
		defer creds.Zero()
		if err := src.Set(args[0], creds); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
		fmt.Printf("✓ Credentials stored for host %s\n", args[0])
		return nil
	},
}

var credentialSetHypervisorCmd = &cobra.Command{
	Use:   "set-hypervisor REF",
	Short: "Store hypervisor credentials",
	Long: `Store credentials and API endpoint for a hypervisor reference, used
to drain hosts into maintenance mode before firmware applies.

Example:
  foundry credential set-hypervisor vcenter.lab \
    --endpoint https://vcenter.lab/api \
    --username svc-foundry --password '...'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		src, store, err := openDBSource(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		creds := types.Credentials{Username: username, Password: password}
		defer creds.Zero()
		if err := src.SetHypervisor(args[0], endpoint, creds); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
		fmt.Printf("✓ Credentials stored for hypervisor %s\n", args[0])
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialSetHypervisorCmd)

	for _, c := range []*cobra.Command{credentialSetCmd, credentialSetHypervisorCmd} {
		c.Flags().String("data-dir", "./foundry-data", "Data directory of the orchestrator")
		c.Flags().String("username", "", "Account username")
		c.Flags().String("password", "", "Account password")
		_ = c.MarkFlagRequired("username")
		_ = c.MarkFlagRequired("password")
	}
	credentialSetHypervisorCmd.Flags().String("endpoint", "", "Hypervisor API endpoint")
	_ = credentialSetHypervisorCmd.MarkFlagRequired("endpoint")
}

func openDBSource(cmd *cobra.Command) (*credentials.DBSource, *storage.BoltStore, error) {
	pass := os.Getenv("FOUNDRY_CRED_KEY")
	if pass == "" {
		return nil, nil, fmt.Errorf("FOUNDRY_CRED_KEY must be set")
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	src, err := credentials.NewDBSourceFromPassword(store, pass)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return src, store, nil
}
