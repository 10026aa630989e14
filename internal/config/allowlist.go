package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RenderAllowlist decides which request URLs a render page may fetch.
// Menu HTML is authored by end users, so the browser may only load data:
// URLs and assets from operator-configured content domains. Closed by
// default.
type RenderAllowlist struct {
	// HostSuffixes are normalized, lowercased domain suffixes
	// (e.g. "storage.googleapis.com"). Subdomains match.
	HostSuffixes []string
}

// allowlistYAML is the structure of the allowlist config file.
type allowlistYAML struct {
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// LoadRenderAllowlist merges the RENDER_ALLOWED_HOSTS env list with the
// optional YAML file named by RENDER_ALLOWLIST_FILE.
func LoadRenderAllowlist(cfg Config) (RenderAllowlist, error) {
	hosts := make([]string, 0, len(cfg.RenderAllowedHosts))
	hosts = append(hosts, cfg.RenderAllowedHosts...)

	if cfg.RenderAllowlistFile != "" {
		// #nosec G304 -- operator-provided configuration file
		content, err := os.ReadFile(cfg.RenderAllowlistFile)
		if err != nil {
			return RenderAllowlist{}, fmt.Errorf("op=config.LoadRenderAllowlist: %w", err)
		}
		var parsed allowlistYAML
		if err := yaml.Unmarshal(content, &parsed); err != nil {
			return RenderAllowlist{}, fmt.Errorf("op=config.LoadRenderAllowlist: %w", err)
		}
		hosts = append(hosts, parsed.AllowedHosts...)
	}

	return NewRenderAllowlist(hosts), nil
}

// NewRenderAllowlist normalizes and dedupes host suffixes.
func NewRenderAllowlist(hosts []string) RenderAllowlist {
	seen := map[string]bool{}
	var out []string
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		h = strings.TrimPrefix(h, "*.")
		h = strings.TrimPrefix(h, ".")
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return RenderAllowlist{HostSuffixes: out}
}

// Allows reports whether a render page may fetch raw. Permitted: data: URLs
// and http(s) URLs whose host matches a configured suffix. file:// is
// blocked unconditionally, case-insensitive on the scheme. Everything else
// is blocked.
func (a RenderAllowlist) Allows(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "data:") {
		return true
	}
	if strings.HasPrefix(lower, "file:") {
		return false
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, suffix := range a.HostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
