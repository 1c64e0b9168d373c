package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rackforge/foundry/pkg/client"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/spf13/cobra"
)

// Host commands
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage fleet hosts",
}

var hostCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Register a host",
	Long: `Register a host with its iDRAC management endpoint.

Examples:
  # Register a standalone host
  foundry host create r750-01 --endpoint idrac-r750-01.lab

  # Register an ESXi host so updates drain it first
  foundry host create esx-04 --endpoint idrac-esx-04.lab \
    --hypervisor-ref vcenter.lab --host-ref esx-04.lab`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		hypervisorRef, _ := cmd.Flags().GetString("hypervisor-ref")
		hostRef, _ := cmd.Flags().GetString("host-ref")

		c := apiClient(cmd)
		host, err := c.CreateHost(cmd.Context(), &types.Host{
			ID:                 args[0],
			ManagementEndpoint: endpoint,
			HypervisorRef:      hypervisorRef,
			HostRef:            hostRef,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Host registered: %s (%s)\n", host.ID, host.ManagementEndpoint)
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := apiClient(cmd).ListHosts(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENDPOINT\tMODEL\tGENERATION\tSERVICE TAG")
		for _, h := range hosts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				h.ID, h.ManagementEndpoint, orDash(h.Model), orDash(string(h.Generation)), orDash(h.ServiceTag))
		}
		return w.Flush()
	},
}

var hostGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := apiClient(cmd).GetHost(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(host)
	},
}

var hostDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Remove a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteHost(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Host removed: %s\n", args[0])
		return nil
	},
}

var hostDiscoverCmd = &cobra.Command{
	Use:   "discover ID",
	Short: "Probe a host's management protocols",
	Long: `Probe all management protocols on a host, refresh its hardware
facts (model, generation, service tag) and report per-protocol health.

With --username and --password the given credentials are used for this
probe only, bypassing the host's configured credential backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		result, err := apiClient(cmd).DiscoverHost(cmd.Context(), args[0], username, password)
		if err != nil {
			return err
		}
		fmt.Printf("Host: %s\n", result.Host.ID)
		fmt.Printf("  Model:       %s\n", orDash(result.Host.Model))
		fmt.Printf("  Generation:  %s\n", orDash(string(result.Host.Generation)))
		fmt.Printf("  Service tag: %s\n", orDash(result.Host.ServiceTag))
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROTOCOL\tSTATUS\tLATENCY\tDETAILS")
		for _, h := range result.Health {
			fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", h.Protocol, h.Status, h.LatencyMs, orDash(h.Details))
		}
		return w.Flush()
	},
}

func init() {
	hostCmd.AddCommand(hostCreateCmd)
	hostCmd.AddCommand(hostListCmd)
	hostCmd.AddCommand(hostGetCmd)
	hostCmd.AddCommand(hostDeleteCmd)
	hostCmd.AddCommand(hostDiscoverCmd)

	hostCreateCmd.Flags().String("endpoint", "", "iDRAC endpoint (host name or https URL)")
	hostCreateCmd.Flags().String("hypervisor-ref", "", "Hypervisor managing this host (empty for standalone)")
	hostCreateCmd.Flags().String("host-ref", "", "Host identity within the hypervisor")
	_ = hostCreateCmd.MarkFlagRequired("endpoint")

	hostDiscoverCmd.Flags().String("username", "", "One-shot iDRAC username for this probe")
	hostDiscoverCmd.Flags().String("password", "", "One-shot iDRAC password for this probe")
}

func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
