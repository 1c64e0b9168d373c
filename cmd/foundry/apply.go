package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rackforge/foundry/pkg/client"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply Foundry resources from a YAML file. A file may hold several
documents separated by "---"; each needs a kind of Host or UpdatePlan.

Examples:
  # Register a rack of hosts
  foundry apply -f rack-b12.yaml

  # Define a pinned-firmware rollout
  foundry apply -f bios-2.21.yaml

An UpdatePlan manifest:

  apiVersion: foundry/v1
  kind: UpdatePlan
  metadata:
    name: bios-2.21
  spec:
    targets: [r750-01, r750-02]
    policy:
      updateMode: SPECIFIC_URL
      installUpon: OnReset
    artifacts:
      - component: BIOS
        imageURI: https://mirror.lab/poweredge/BIOS_2.21.EXE
        version: "2.21"`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// resource is the envelope shared by every manifest kind.
type resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   resourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type resourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type hostSpec struct {
	ManagementEndpoint string `yaml:"managementEndpoint"`
	Model              string `yaml:"model,omitempty"`
	HypervisorRef      string `yaml:"hypervisorRef,omitempty"`
	HostRef            string `yaml:"hostRef,omitempty"`
}

type planSpec struct {
	Targets   []string       `yaml:"targets"`
	Policy    planPolicySpec `yaml:"policy"`
	Artifacts []artifactSpec `yaml:"artifacts,omitempty"`
}

type planPolicySpec struct {
	UpdateMode                string   `yaml:"updateMode"`
	CatalogURL                string   `yaml:"catalogUrl,omitempty"`
	CustomRepositoryPath      string   `yaml:"customRepositoryPath,omitempty"`
	Components                []string `yaml:"components,omitempty"`
	Targets                   []string `yaml:"targets,omitempty"`
	InstallUpon               string   `yaml:"installUpon,omitempty"`
	MaintenanceTimeoutMinutes int      `yaml:"maintenanceTimeoutMinutes,omitempty"`
	MaxAttempts               int      `yaml:"maxAttempts,omitempty"`
}

type artifactSpec struct {
	Component   string `yaml:"component"`
	ImageURI    string `yaml:"imageURI"`
	Version     string `yaml:"version,omitempty"`
	Checksum    string `yaml:"checksum,omitempty"`
	Sequence    int    `yaml:"sequence,omitempty"`
	InstallUpon string `yaml:"installUpon,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	c := apiClient(cmd)
	dec := yaml.NewDecoder(f)
	for {
		var r resource
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		if r.Kind == "" {
			continue
		}
		switch r.Kind {
		case "Host":
			err = applyHost(cmd, c, &r)
		case "UpdatePlan":
			err = applyPlan(cmd, c, &r)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", r.Kind)
		}
		if err != nil {
			return err
		}
	}
}

func applyHost(cmd *cobra.Command, c *client.Client, r *resource) error {
	var spec hostSpec
	if err := r.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid Host spec %q: %w", r.Metadata.Name, err)
	}
	if spec.ManagementEndpoint == "" {
		return fmt.Errorf("host %q: managementEndpoint is required", r.Metadata.Name)
	}

	if existing, err := c.GetHost(cmd.Context(), r.Metadata.Name); err == nil && existing != nil {
		fmt.Printf("Host already exists: %s (skipping)\n", r.Metadata.Name)
		return nil
	}

	host, err := c.CreateHost(cmd.Context(), &types.Host{
		ID:                 r.Metadata.Name,
		ManagementEndpoint: spec.ManagementEndpoint,
		Model:              spec.Model,
		HypervisorRef:      spec.HypervisorRef,
		HostRef:            spec.HostRef,
	})
	if err != nil {
		return fmt.Errorf("failed to create host %q: %w", r.Metadata.Name, err)
	}
	fmt.Printf("✓ Host registered: %s (%s)\n", host.ID, host.ManagementEndpoint)
	return nil
}

func applyPlan(cmd *cobra.Command, c *client.Client, r *resource) error {
	var spec planSpec
	if err := r.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid UpdatePlan spec %q: %w", r.Metadata.Name, err)
	}

	plan := &types.Plan{
		Name:    r.Metadata.Name,
		Targets: spec.Targets,
		Policy: types.PlanPolicy{
			UpdateMode:                types.UpdateMode(spec.Policy.UpdateMode),
			CatalogURL:                spec.Policy.CatalogURL,
			CustomRepositoryPath:      spec.Policy.CustomRepositoryPath,
			Components:                spec.Policy.Components,
			Targets:                   spec.Policy.Targets,
			InstallUpon:               types.InstallUpon(spec.Policy.InstallUpon),
			MaintenanceTimeoutMinutes: spec.Policy.MaintenanceTimeoutMinutes,
			MaxAttempts:               spec.Policy.MaxAttempts,
		},
	}
	for _, a := range spec.Artifacts {
		plan.Artifacts = append(plan.Artifacts, types.Artifact{
			Component:   a.Component,
			ImageURI:    a.ImageURI,
			Version:     a.Version,
			Checksum:    a.Checksum,
			Sequence:    a.Sequence,
			InstallUpon: types.InstallUpon(a.InstallUpon),
		})
	}

	created, err := c.CreatePlan(cmd.Context(), plan)
	if err != nil {
		// Plans are immutable once created; a duplicate name means
		// this manifest was applied before.
		if strings.Contains(err.Error(), "already exists") {
			fmt.Printf("Plan already exists: %s (skipping)\n", r.Metadata.Name)
			return nil
		}
		return fmt.Errorf("failed to create plan %q: %w", r.Metadata.Name, err)
	}
	fmt.Printf("✓ Plan created: %s (ID: %s)\n", created.Name, created.ID)
	return nil
}
