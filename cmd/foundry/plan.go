package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rackforge/foundry/pkg/types"
	"github.com/spf13/cobra"
)

// Plan commands
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage update plans",
}

var planCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a catalog-driven update plan",
	Long: `Create an update plan in LATEST_FROM_CATALOG mode from flags.

Plans that pin specific image URLs or multipart files carry per-artifact
detail and are easier to express declaratively; write those as a
"kind: UpdatePlan" manifest and use "foundry apply -f".

Examples:
  # Everything the Dell catalog offers, applied on the next reset
  foundry plan create q3-rollout --target r750-01 --target r750-02

  # BIOS and iDRAC only, from an internal mirror
  foundry plan create bios-idrac --target r750-01 \
    --catalog-url https://mirror.lab/catalog/Catalog.xml.gz \
    --component BIOS --component iDRAC`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, _ := cmd.Flags().GetStringArray("target")
		components, _ := cmd.Flags().GetStringArray("component")
		catalogURL, _ := cmd.Flags().GetString("catalog-url")
		installUpon, _ := cmd.Flags().GetString("install-upon")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		plan, err := apiClient(cmd).CreatePlan(cmd.Context(), &types.Plan{
			Name:    args[0],
			Targets: targets,
			Policy: types.PlanPolicy{
				UpdateMode:  types.UpdateModeLatestFromCatalog,
				CatalogURL:  catalogURL,
				Components:  components,
				InstallUpon: types.InstallUpon(installUpon),
				MaxAttempts: maxAttempts,
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Plan created: %s (ID: %s)\n", plan.Name, plan.ID)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := apiClient(cmd).ListPlans(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMODE\tTARGETS\tCREATED")
		for _, p := range plans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				p.ID, p.Name, p.Policy.UpdateMode, len(p.Targets), p.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var planGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := apiClient(cmd).GetPlan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(plan)
	},
}

var planResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Preview what each target host would receive from the catalog",
	Long: `Resolve a LATEST_FROM_CATALOG plan against the catalog for every
target host without creating any runs. Each host is matched by its
discovered generation and model, so run "foundry host discover" first
for hosts registered without hardware facts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient(cmd).ResolvePlan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tCOMPONENT\tVERSION\tIMAGE")
		for _, h := range result.Hosts {
			if h.Error != "" {
				fmt.Fprintf(w, "%s\t-\t-\t%s\n", h.HostID, h.Error)
				continue
			}
			for _, a := range h.Artifacts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.HostID, a.Component, orDash(a.Version), a.ImageURI)
			}
			for _, inc := range h.Incompatibilities {
				fmt.Fprintf(w, "%s\t%s\t-\tskipped: %s\n", h.HostID, inc.Component, inc.Reason)
			}
		}
		return w.Flush()
	},
}

var planStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a plan across its target hosts",
	Long: `Expand a plan into one host-run per target and enqueue them.

Starting is idempotent: hosts whose run already exists keep it, so a
second start resumes a partially finished rollout instead of redoing it.
With --dry-run nothing is created and the targets are previewed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		result, err := apiClient(cmd).StartPlan(cmd.Context(), args[0], dryRun)
		if err != nil {
			return err
		}
		if result.DryRun {
			fmt.Printf("Dry run: plan %s would target %d host(s)\n", result.PlanID, len(result.Targets))
		} else {
			fmt.Printf("✓ Plan started: %s (%d host-runs)\n", result.PlanID, len(result.Targets))
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tRUN\tEXISTING")
		for _, t := range result.Targets {
			fmt.Fprintf(w, "%s\t%s\t%v\n", t.HostID, orDash(t.RunID), t.Existing)
		}
		return w.Flush()
	},
}

var planStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a plan's runs aggregated by state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).PlanStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Plan: %s (%s)\n", status.Plan.Name, status.Plan.ID)
		fmt.Printf("Complete: %v\n\n", status.Complete)
		for _, state := range types.AllRunStates() {
			if n := status.Counts[string(state)]; n > 0 {
				fmt.Printf("  %-12s %d\n", state, n)
			}
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tHOST\tSTATE\tATTEMPT\tERROR")
		for _, r := range status.Runs {
			errMsg := "-"
			if r.Error != "" {
				errMsg = r.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.HostID, r.State, r.Attempt, errMsg)
		}
		return w.Flush()
	},
}

func init() {
	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planListCmd)
	planCmd.AddCommand(planGetCmd)
	planCmd.AddCommand(planResolveCmd)
	planCmd.AddCommand(planStartCmd)
	planCmd.AddCommand(planStatusCmd)

	planCreateCmd.Flags().StringArray("target", nil, "Target host ID (repeatable)")
	planCreateCmd.Flags().StringArray("component", nil, "Component type to resolve from the catalog (repeatable)")
	planCreateCmd.Flags().String("catalog-url", "", "Catalog URL (empty = Dell enterprise catalog)")
	planCreateCmd.Flags().String("install-upon", string(types.InstallOnReset), "When firmware applies (Immediate, OnReset, NextReboot)")
	planCreateCmd.Flags().Int("max-attempts", 0, "Per-host retry budget (0 = default)")
	_ = planCreateCmd.MarkFlagRequired("target")

	planStartCmd.Flags().Bool("dry-run", false, "Preview targets without creating runs")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
