package planner

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rackforge/foundry/pkg/catalog"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Request describes what the caller wants updated on one host class.
type Request struct {
	Generation           types.Generation
	Model                string
	Components           []string
	CatalogURL           string
	CustomRepositoryPath string
	InstallUpon          types.InstallUpon
}

// Incompatibility records why one requested component was dropped.
type Incompatibility struct {
	Component string `json:"component"`
	Reason    string `json:"reason"`
}

// NoCompatibleFirmwareError is raised when every requested component was
// dropped. It is permanent; retrying the same request cannot succeed.
type NoCompatibleFirmwareError struct {
	Incompatibilities []Incompatibility
}

func (e *NoCompatibleFirmwareError) Error() string {
	parts := make([]string, 0, len(e.Incompatibilities))
	for _, inc := range e.Incompatibilities {
		parts = append(parts, fmt.Sprintf("%s: %s", inc.Component, inc.Reason))
	}
	return "no compatible firmware for any requested component: " + strings.Join(parts, "; ")
}

// Unwrap lets errkind classify the planner failure as permanent.
func (e *NoCompatibleFirmwareError) Unwrap() error {
	return errkind.ErrNoCompatibleFirmware
}

// Planner turns a request plus a catalog into an ordered artifact list.
type Planner struct {
	fetcher *catalog.Fetcher
	logger  zerolog.Logger
}

// New creates a planner over the given catalog fetcher.
func New(fetcher *catalog.Fetcher) *Planner {
	return &Planner{
		fetcher: fetcher,
		logger:  log.WithComponent("planner"),
	}
}

// Plan resolves the request against the catalog and returns the ordered
// artifacts. Components that fail compatibility or have no catalog entry
// are skipped and recorded; an empty result is a permanent
// NoCompatibleFirmwareError.
func (p *Planner) Plan(ctx context.Context, req Request) ([]types.Artifact, []Incompatibility, error) {
	if err := validateComponents(req.Components); err != nil {
		return nil, nil, err
	}

	entries, err := p.fetcher.Fetch(ctx, req.CatalogURL)
	if err != nil {
		return nil, nil, err
	}

	ordered := catalog.SortUpdateOrder(req.Components)

	var (
		artifacts []types.Artifact
		incompat  []Incompatibility
		applied   = make(map[string]bool)
	)
	for _, component := range ordered {
		if err := catalog.ValidateCompatibility(component, req.Generation); err != nil {
			incompat = append(incompat, Incompatibility{Component: component, Reason: err.Error()})
			p.logger.Debug().Str("component", component).Str("generation", string(req.Generation)).
				Msg("Component dropped: generation mismatch")
			continue
		}
		if missing := unmetPrerequisites(component, applied); len(missing) > 0 {
			incompat = append(incompat, Incompatibility{
				Component: component,
				Reason:    fmt.Sprintf("requires %s earlier in the plan", strings.Join(missing, ", ")),
			})
			continue
		}

		entry, ok := catalog.FindLatest(entries, component, req.Model)
		if !ok {
			incompat = append(incompat, Incompatibility{
				Component: component,
				Reason:    "no catalog entry for this component/model",
			})
			continue
		}

		artifacts = append(artifacts, types.Artifact{
			Component:   entry.ComponentType,
			ImageURI:    rewriteLocal(req.CustomRepositoryPath, entry.URL),
			Version:     entry.Version,
			Sequence:    len(artifacts),
			InstallUpon: stampInstallUpon(entry.ComponentType, req.InstallUpon),
		})
		applied[strings.ToLower(entry.ComponentType)] = true
	}

	if len(artifacts) == 0 {
		return nil, incompat, &NoCompatibleFirmwareError{Incompatibilities: incompat}
	}
	return artifacts, incompat, nil
}

func validateComponents(components []string) error {
	if len(components) == 0 {
		return errkind.New(errkind.Validation, "at least one component is required")
	}
	seen := make(map[string]bool, len(components))
	for _, c := range components {
		key := strings.ToLower(c)
		if seen[key] {
			return errkind.New(errkind.Validation, fmt.Sprintf("duplicate component %q in request", c))
		}
		seen[key] = true
	}
	return nil
}

func unmetPrerequisites(component string, applied map[string]bool) []string {
	var missing []string
	for _, pre := range catalog.Prerequisites(component) {
		if !applied[strings.ToLower(pre)] {
			missing = append(missing, pre)
		}
	}
	return missing
}

// rewriteLocal points the artifact at the local mirror when the file is
// present there, otherwise keeps the remote URL.
func rewriteLocal(repoPath, remoteURL string) string {
	if repoPath == "" || remoteURL == "" {
		return remoteURL
	}
	base := path.Base(remoteURL)
	if u, err := url.Parse(remoteURL); err == nil && u.Path != "" {
		base = path.Base(u.Path)
	}
	local := filepath.Join(repoPath, base)
	if _, err := os.Stat(local); err != nil {
		return remoteURL
	}
	return "file://" + local
}

// stampInstallUpon fills the scheduling hint: BIOS installs on reset,
// everything else immediately, unless the plan overrides it.
func stampInstallUpon(component string, override types.InstallUpon) types.InstallUpon {
	if override != "" {
		return override
	}
	if strings.EqualFold(component, "BIOS") {
		return types.InstallOnReset
	}
	return types.InstallImmediate
}

// ValidateArtifacts checks an explicit artifact list (SPECIFIC_URL and
// MULTIPART_FILE modes): every artifact needs a component and image URI,
// and a component may repeat only when every occurrence is sequenced.
func ValidateArtifacts(artifacts []types.Artifact) error {
	if len(artifacts) == 0 {
		return errkind.New(errkind.Validation, "plan has no artifacts")
	}
	count := make(map[string]int, len(artifacts))
	sequenced := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		if a.Component == "" {
			return errkind.New(errkind.Validation, "artifact is missing a component")
		}
		if a.ImageURI == "" {
			return errkind.New(errkind.Validation, fmt.Sprintf("artifact %s is missing an image URI", a.Component))
		}
		key := strings.ToLower(a.Component)
		count[key]++
		if a.Sequence > 0 {
			sequenced[key] = true
		}
	}
	for key, n := range count {
		if n > 1 && !sequenced[key] {
			return errkind.New(errkind.Validation,
				fmt.Sprintf("component %s appears %d times without an explicit sequence", key, n))
		}
	}
	return nil
}
