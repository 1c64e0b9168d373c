package catalog

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
)

// DefaultCatalogURL is the Dell enterprise catalog.
const DefaultCatalogURL = "https://downloads.dell.com/catalog/Catalog.xml.gz"

// DefaultCacheTTL bounds how long a fetched catalog is reused.
const DefaultCacheTTL = 30 * time.Minute

// DefaultFetchTimeout caps one catalog download.
const DefaultFetchTimeout = 5 * time.Minute

// Fetcher downloads and parses Dell catalogs with a URL-keyed TTL cache.
// Safe for concurrent use; single writer per URL.
type Fetcher struct {
	client *http.Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedCatalog
}

type cachedCatalog struct {
	entries   []types.CatalogEntry
	fetchedAt time.Time
}

// NewFetcher creates a catalog fetcher. A nil client gets a default with
// the catalog fetch timeout; ttl <= 0 uses DefaultCacheTTL.
func NewFetcher(client *http.Client, ttl time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Fetcher{
		client: client,
		ttl:    ttl,
		cache:  make(map[string]cachedCatalog),
	}
}

// Fetch downloads the catalog at url (DefaultCatalogURL when empty),
// transparently gunzipping, and returns the parsed entries. Results are
// cached per URL for the fetcher's TTL. Failures are transient.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]types.CatalogEntry, error) {
	if url == "" {
		url = DefaultCatalogURL
	}

	f.mu.Lock()
	if c, ok := f.cache[url]; ok && time.Since(c.fetchedAt) < f.ttl {
		f.mu.Unlock()
		return c.entries, nil
	}
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := errkind.New(errkind.Network, fmt.Sprintf("catalog fetch %s: status %d", url, resp.StatusCode))
		e.Class = errkind.Transient
		return nil, e
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}

	entries, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[url] = cachedCatalog{entries: entries, fetchedAt: time.Now()}
	f.mu.Unlock()

	return entries, nil
}

// Invalidate drops the cached catalog for a URL.
func (f *Fetcher) Invalidate(url string) {
	if url == "" {
		url = DefaultCatalogURL
	}
	f.mu.Lock()
	delete(f.cache, url)
	f.mu.Unlock()
}

// xmlComponent tolerates both Manifest/SoftwareComponent and
// Catalog/SoftwareComponent roots and either attribute casing Dell has
// shipped for version and path.
type xmlComponent struct {
	ID            string `xml:"packageID,attr"`
	ComponentType string `xml:"ComponentType,attr"`
	Version       string `xml:"version,attr"`
	VendorVersion string `xml:"vendorVersion,attr"`
	Path          string `xml:"path,attr"`
	ReleaseDate   string `xml:"releaseDate,attr"`
	DateTime      string `xml:"dateTime,attr"`
	Models        []struct {
		Display string `xml:"Display"`
		Name    string `xml:"systemID,attr"`
	} `xml:"SupportedSystems>Brand>Model"`
}

type xmlCatalog struct {
	BaseLocation string         `xml:"baseLocation,attr"`
	Components   []xmlComponent `xml:"SoftwareComponent"`
}

// Parse decodes catalog bytes to entries. Gzipped input (magic 0x1F 0x8B)
// is decompressed first.
func Parse(raw []byte) ([]types.CatalogEntry, error) {
	if len(raw) >= 2 && raw[0] == 0x1F && raw[1] == 0x8B {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errkind.Wrap(errkind.ProtocolError, err)
		}
		defer gz.Close()
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, errkind.Wrap(errkind.ProtocolError, err)
		}
	}

	var doc xmlCatalog
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, fmt.Errorf("catalog parse: %w", err))
	}

	entries := make([]types.CatalogEntry, 0, len(doc.Components))
	for _, c := range doc.Components {
		version := c.Version
		if version == "" {
			version = c.VendorVersion
		}
		entry := types.CatalogEntry{
			ID:            c.ID,
			ComponentType: c.ComponentType,
			Version:       version,
			URL:           joinBase(doc.BaseLocation, c.Path),
			ReleaseDate:   parseReleaseDate(c.ReleaseDate, c.DateTime),
		}
		for _, m := range c.Models {
			name := m.Display
			if name == "" {
				name = m.Name
			}
			if name != "" {
				entry.SupportedModels = append(entry.SupportedModels, name)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func joinBase(base, path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if base == "" {
		return path
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func parseReleaseDate(fields ...string) time.Time {
	layouts := []string{
		time.RFC3339,
		"2006-01-02",
		"January 02, 2006",
		"2006-01-02T15:04:05-07:00",
	}
	for _, f := range fields {
		if f == "" {
			continue
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, f); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// FindLatest filters entries by component type (case-insensitive) and
// optionally by supported model substring, then returns the newest by
// release date. Release-date ties are broken by version descending.
func FindLatest(entries []types.CatalogEntry, componentType, model string) (types.CatalogEntry, bool) {
	var matched []types.CatalogEntry
	for _, e := range entries {
		if !strings.EqualFold(e.ComponentType, componentType) {
			continue
		}
		if model != "" && !modelSupported(e.SupportedModels, model) {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) == 0 {
		return types.CatalogEntry{}, false
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].ReleaseDate.Equal(matched[j].ReleaseDate) {
			return matched[i].ReleaseDate.After(matched[j].ReleaseDate)
		}
		return CompareVersions(matched[i].Version, matched[j].Version) > 0
	})
	return matched[0], true
}

func modelSupported(models []string, model string) bool {
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if strings.Contains(strings.ToLower(m), strings.ToLower(model)) ||
			strings.Contains(strings.ToLower(model), strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// CompareVersions compares dotted numeric versions, falling back to string
// comparison for non-numeric segments. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.FieldsFunc(a, func(r rune) bool { return r == '.' || r == '-' || r == '_' })
	bs := strings.FieldsFunc(b, func(r rune) bool { return r == '.' || r == '-' || r == '_' })
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aok := atoi(av)
		bn, bok := atoi(bv)
		switch {
		case aok && bok:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

func atoi(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
