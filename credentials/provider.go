package credentials

import (
	"net/url"
	"sort"
	"strings"

	"github.com/zero-day-ai/granule/fetcherr"
)

// ProviderTable maps resource-name prefixes to the provider that issues
// credentials for them. It is immutable after construction and safe for
// concurrent use.
type ProviderTable struct {
	prefixes map[string][]string
}

// NewProviderTable builds a table from provider -> prefixes. Prefixes are
// matched against the S3 bucket or the HTTPS host and first path segment.
func NewProviderTable(entries map[string][]string) *ProviderTable {
	t := &ProviderTable{prefixes: make(map[string][]string, len(entries))}
	for provider, prefixes := range entries {
		if provider == "" {
			continue
		}
		t.prefixes[provider] = append([]string(nil), prefixes...)
	}
	return t
}

// DefaultProviderTable returns the prefixes of the NASA Earthdata cloud
// archives.
func DefaultProviderTable() *ProviderTable {
	return NewProviderTable(map[string][]string{
		"PODAAC":    {"podaac-", "archive.podaac.earthdata.nasa.gov"},
		"NSIDC":     {"nsidc-cumulus-", "data.nsidc.earthdatacloud.nasa.gov"},
		"LPDAAC":    {"lp-prod-", "data.lpdaac.earthdatacloud.nasa.gov"},
		"GES_DISC":  {"gesdisc-cumulus-", "data.gesdisc.earthdata.nasa.gov"},
		"ORNL_DAAC": {"ornl-cumulus-", "data.ornldaac.earthdata.nasa.gov"},
		"GHRC_DAAC": {"ghrc-cumulus-", "data.ghrc.earthdata.nasa.gov"},
		"ASF":       {"asf-", "cumulus.asf.alaska.edu"},
		"OB_DAAC":   {"ob-cumulus-", "obdaac-tea.earthdatacloud.nasa.gov"},
		"LAADS":     {"prod-lads"},
	})
}

// Providers returns the known provider names, sorted.
func (t *ProviderTable) Providers() []string {
	out := make([]string, 0, len(t.prefixes))
	for p := range t.prefixes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// InferProvider returns the provider owning rawURL. When several prefixes
// match, the longest wins; ties break on provider name so the result is
// deterministic.
func (t *ProviderTable) InferProvider(rawURL string) (string, bool) {
	candidates := resourceNames(rawURL)
	if len(candidates) == 0 {
		return "", false
	}

	best, bestLen := "", 0
	for _, provider := range t.Providers() {
		for _, prefix := range t.prefixes[provider] {
			if prefix == "" || len(prefix) <= bestLen {
				continue
			}
			for _, c := range candidates {
				if strings.HasPrefix(c, prefix) {
					best, bestLen = provider, len(prefix)
					break
				}
			}
		}
	}
	return best, best != ""
}

// ResolveProvider is InferProvider with an actionable error listing every
// known provider.
func (t *ProviderTable) ResolveProvider(rawURL string) (string, error) {
	if p, ok := t.InferProvider(rawURL); ok {
		return p, nil
	}
	return "", fetcherr.ProviderInference("credentials.ResolveProvider", rawURL, t.Providers())
}

// resourceNames extracts the bucket (s3) or host and first path segment
// (http, https) from rawURL.
func resourceNames(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}

	switch strings.ToLower(u.Scheme) {
	case "s3", "gs":
		return []string{u.Host}
	case "http", "https":
		names := []string{strings.ToLower(u.Hostname())}
		if seg, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/"); seg != "" {
			names = append(names, seg)
		}
		return names
	}
	return nil
}
