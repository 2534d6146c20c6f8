package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/edgemesh/edged/internal/edgeerr"
)

// The TOML configuration loader itself is an external collaborator (spec
// §1); this file is the thin seam the core needs onto it. It only knows how
// to turn TOML text into the core's own Snapshot structs — no validation
// logic lives outside of core's own invariants (checked in vhost.BuildIndex
// and the backend constructors).

type fileVirtualHost struct {
	ID           string            `toml:"id"`
	Domains      []string          `toml:"domains"`
	Priority     int               `toml:"priority"`
	DocumentRoot string            `toml:"document_root"`
	SSLProfile   string            `toml:"ssl_profile"`
	ErrorPages   map[string]string `toml:"error_pages"`
	Headers      map[string]string `toml:"headers"`
	Rewrites     []fileRewriteRule `toml:"rewrite"`
	Backend      fileBackend       `toml:"backend"`
}

type fileRewriteRule struct {
	Pattern      string   `toml:"pattern"`
	Replacement  string   `toml:"replacement"`
	Flags        []string `toml:"flags"`
	RedirectCode int      `toml:"redirect_code"`
}

type fileBackend struct {
	Kind string `toml:"kind"` // "static" | "proxy" | "process" | "redirect"

	Root           string   `toml:"root"`
	IndexFiles     []string `toml:"index_files"`
	ListingEnabled bool     `toml:"listing_enabled"`

	Targets      []fileUpstreamTarget `toml:"targets"`
	Strategy     string               `toml:"strategy"`
	Pool         filePoolConfig       `toml:"pool"`
	Retry        fileRetryPolicy      `toml:"retry"`
	Probe        fileProbeSpec        `toml:"health_probe"`
	PreserveHost bool                 `toml:"preserve_host"`

	ProcessName string            `toml:"process_name"`
	Spawn       fileSpawnSpec     `toml:"spawn"`
	ProcessPort int               `toml:"process_port"`
	Restart     fileRestartPolicy `toml:"restart"`

	RedirectTarget        string `toml:"redirect_target"`
	RedirectCode          int    `toml:"redirect_code"`
	RedirectPreservePath  bool   `toml:"redirect_preserve_path"`
	RedirectPreserveQuery bool   `toml:"redirect_preserve_query"`
}

type fileUpstreamTarget struct {
	Address string `toml:"address"`
	Weight  int    `toml:"weight"`
}

type filePoolConfig struct {
	MaxPerHost      int    `toml:"max_per_host"`
	IdleTimeout     string `toml:"idle_timeout"`
	MaxLifetime     string `toml:"max_lifetime"`
	DialTimeout     string `toml:"dial_timeout"`
	CheckoutTimeout string `toml:"checkout_timeout"`
}

type fileRetryPolicy struct {
	MaxRetries     int    `toml:"max_retries"`
	RetryableCodes []int  `toml:"retryable_codes"`
	BaseBackoff    string `toml:"base_backoff"`
	MaxBackoff     string `toml:"max_backoff"`
}

type fileProbeSpec struct {
	Kind           string   `toml:"kind"`
	Path           string   `toml:"path"`
	ExpectStatuses []int    `toml:"expect_statuses"`
	Command        string   `toml:"command"`
	Period         string   `toml:"period"`
	Timeout        string   `toml:"timeout"`
	HealthyAfter   int      `toml:"healthy_after"`
	UnhealthyAfter int      `toml:"unhealthy_after"`
	StartupGrace   string   `toml:"startup_grace"`
}

type fileSpawnSpec struct {
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	WorkingDir string            `toml:"working_dir"`
	Env        map[string]string `toml:"env"`
	User       string            `toml:"user"`
	Group      string            `toml:"group"`
	MaxRSSMB   int64             `toml:"max_rss_mb"`
	MaxCPUPct  int               `toml:"max_cpu_pct"`
}

type fileRestartPolicy struct {
	MaxRestarts   int    `toml:"max_restarts"`
	RestartWindow string `toml:"restart_window"`
	BaseBackoff   string `toml:"base_backoff"`
	MaxBackoff    string `toml:"max_backoff"`
	GracePeriod   string `toml:"grace_period"`
}

type fileListener struct {
	BindAddress   string   `toml:"bind_address"`
	Protocols     []string `toml:"protocols"`
	TLS           bool     `toml:"tls"`
	ProxyProtocol bool     `toml:"proxy_protocol"`
}

type fileDoc struct {
	ManagementAddr string            `toml:"management_addr"`
	DefaultCertID  string            `toml:"default_cert_id"`
	MaxBodySize    int64             `toml:"max_body_size"`
	Listeners      []fileListener    `toml:"listener"`
	RateLimit      fileRateLimit     `toml:"rate_limit"`
	Cache          fileCacheConfig   `toml:"cache"`
	Compression    fileCompression   `toml:"compression"`
	Security       fileSecurityPolicy `toml:"security_headers"`
	VHosts         []fileVirtualHost `toml:"vhost"`
}

type fileRateLimit struct {
	Enabled    bool     `toml:"enabled"`
	Dimensions []string `toml:"dimensions"`
	Rate       float64  `toml:"rate"`
	Burst      int      `toml:"burst"`
	SliceSize  int      `toml:"slice_size"`
}

type fileCacheConfig struct {
	Enabled     bool     `toml:"enabled"`
	L1Entries   int      `toml:"l1_entries"`
	L1MaxBytes  int64    `toml:"l1_max_bytes"`
	L2Address   string   `toml:"l2_address"`
	L3Dir       string   `toml:"l3_dir"`
	VaryHeaders []string `toml:"vary_headers"`
}

type fileCompression struct {
	Enabled    bool     `toml:"enabled"`
	MinSize    int64    `toml:"min_size"`
	DenyTypes  []string `toml:"deny_types"`
	Preference []string `toml:"preference"`
}

type fileSecurityPolicy struct {
	Headers map[string]string `toml:"headers"`
	Force   bool              `toml:"force"`
}

// Load reads and parses a TOML configuration file into a Snapshot. It does
// not build the router index (see internal/vhost.BuildIndex) — that stays a
// separate step so the index can be rebuilt from a Snapshot obtained any
// other way (e.g. by the management API's vhost CRUD handlers) too.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, edgeerr.New(edgeerr.ConfigError, "config.read_failed", "failed to read configuration file", err)
	}
	var doc fileDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, edgeerr.New(edgeerr.ConfigError, "config.parse_failed", "failed to parse TOML configuration", err)
	}
	return fromDoc(&doc)
}

func fromDoc(doc *fileDoc) (*Snapshot, error) {
	snap := &Snapshot{
		Revision:       1,
		LoadedAt:       time.Now().UTC(),
		ManagementAddr: doc.ManagementAddr,
		DefaultCertID:  doc.DefaultCertID,
		MaxBodySize:    doc.MaxBodySize,
		RateLimit: RateLimitConfig{
			Enabled:    doc.RateLimit.Enabled,
			Dimensions: doc.RateLimit.Dimensions,
			Rate:       doc.RateLimit.Rate,
			Burst:      doc.RateLimit.Burst,
			SliceSize:  doc.RateLimit.SliceSize,
		},
		Cache: CacheConfig{
			Enabled:     doc.Cache.Enabled,
			L1Entries:   doc.Cache.L1Entries,
			L1MaxBytes:  doc.Cache.L1MaxBytes,
			L2Address:   doc.Cache.L2Address,
			L3Dir:       doc.Cache.L3Dir,
			VaryHeaders: doc.Cache.VaryHeaders,
		},
		Compression: CompressionConfig{
			Enabled:    doc.Compression.Enabled,
			MinSize:    doc.Compression.MinSize,
			DenyTypes:  doc.Compression.DenyTypes,
			Preference: doc.Compression.Preference,
		},
		SecurityHeaders: SecurityHeaderPolicy{
			Headers: doc.Security.Headers,
			Force:   doc.Security.Force,
		},
	}
	for _, l := range doc.Listeners {
		snap.Listeners = append(snap.Listeners, ListenerConfig{
			BindAddress:   l.BindAddress,
			Protocols:     l.Protocols,
			TLS:           l.TLS,
			ProxyProtocol: l.ProxyProtocol,
		})
	}
	for i, v := range doc.VHosts {
		vh, err := vhostFromFile(v, i)
		if err != nil {
			return nil, err
		}
		snap.VHosts = append(snap.VHosts, vh)
	}
	return snap, nil
}

func vhostFromFile(v fileVirtualHost, order int) (*VirtualHost, error) {
	vh := &VirtualHost{
		ID:             v.ID,
		Priority:       v.Priority,
		DocumentRoot:   v.DocumentRoot,
		SSLProfile:     v.SSLProfile,
		HeaderOverride: v.Headers,
		insertionOrder: order,
	}
	if v.ErrorPages != nil {
		vh.ErrorPages = make(map[int]string, len(v.ErrorPages))
		for code, page := range v.ErrorPages {
			var n int
			if _, err := fmt.Sscanf(code, "%d", &n); err != nil {
				return nil, edgeerr.New(edgeerr.ConfigError, "config.bad_error_page_code", "error page key is not a status code", err)
			}
			vh.ErrorPages[n] = page
		}
	}
	for _, d := range v.Domains {
		vh.Domains = append(vh.Domains, ParseDomainPattern(d))
	}
	for _, r := range v.Rewrites {
		rule := RewriteRule{Pattern: r.Pattern, Replacement: r.Replacement, RedirectCode: r.RedirectCode}
		for _, f := range r.Flags {
			rule.Flags = append(rule.Flags, RewriteFlag(f))
		}
		vh.Rewrites = append(vh.Rewrites, rule)
	}
	backend, err := backendFromFile(v.Backend)
	if err != nil {
		return nil, err
	}
	vh.Backend = backend
	return vh, nil
}

func backendFromFile(b fileBackend) (*Backend, error) {
	switch b.Kind {
	case "", "static":
		return &Backend{
			Kind:           BackendStatic,
			Root:           b.Root,
			IndexFiles:     b.IndexFiles,
			ListingEnabled: b.ListingEnabled,
		}, nil
	case "proxy":
		backend := &Backend{
			Kind:         BackendProxy,
			Strategy:     Strategy(b.Strategy),
			PreserveHost: b.PreserveHost,
			Pool: PoolConfig{
				MaxPerHost:      b.Pool.MaxPerHost,
				IdleTimeout:     parseDurationOr(b.Pool.IdleTimeout, 90*time.Second),
				MaxLifetime:     parseDurationOr(b.Pool.MaxLifetime, 10*time.Minute),
				DialTimeout:     parseDurationOr(b.Pool.DialTimeout, 5*time.Second),
				CheckoutTimeout: parseDurationOr(b.Pool.CheckoutTimeout, 5*time.Second),
			},
			Retry: RetryPolicy{
				MaxRetries:     b.Retry.MaxRetries,
				RetryableCodes: b.Retry.RetryableCodes,
				BaseBackoff:    parseDurationOr(b.Retry.BaseBackoff, 50*time.Millisecond),
				MaxBackoff:     parseDurationOr(b.Retry.MaxBackoff, 2*time.Second),
			},
			HealthProbe: probeFromFile(b.Probe),
		}
		for _, t := range b.Targets {
			backend.Targets = append(backend.Targets, UpstreamTarget{Address: t.Address, Weight: t.Weight})
		}
		if backend.Strategy == "" {
			backend.Strategy = StrategyRoundRobin
		}
		return backend, nil
	case "process":
		spawn := SpawnSpec{
			Command:    b.Spawn.Command,
			Args:       b.Spawn.Args,
			WorkingDir: b.Spawn.WorkingDir,
			Env:        b.Spawn.Env,
			User:       b.Spawn.User,
			Group:      b.Spawn.Group,
			MaxRSSMB:   b.Spawn.MaxRSSMB,
			MaxCPUPct:  b.Spawn.MaxCPUPct,
			Stdio:      StdioSpec{CaptureStdout: true, CaptureStderr: true},
		}
		return &Backend{
			Kind:         BackendProcess,
			ProcessName:  b.ProcessName,
			Spawn:        spawn,
			ProcessPort:  b.ProcessPort,
			ProcessProbe: probeFromFile(b.Probe),
			Restart: RestartPolicy{
				MaxRestarts:   orDefault(b.Restart.MaxRestarts, 5),
				RestartWindow: parseDurationOr(b.Restart.RestartWindow, time.Minute),
				BaseBackoff:   parseDurationOr(b.Restart.BaseBackoff, time.Second),
				MaxBackoff:    parseDurationOr(b.Restart.MaxBackoff, 30*time.Second),
				GracePeriod:   parseDurationOr(b.Restart.GracePeriod, 10*time.Second),
			},
		}, nil
	case "redirect":
		return &Backend{
			Kind:                  BackendRedirect,
			RedirectTarget:        b.RedirectTarget,
			RedirectCode:          b.RedirectCode,
			RedirectPreservePath:  b.RedirectPreservePath,
			RedirectPreserveQuery: b.RedirectPreserveQuery,
		}, nil
	default:
		return nil, edgeerr.New(edgeerr.ConfigError, "config.unknown_backend_kind", fmt.Sprintf("unknown backend kind %q", b.Kind), nil)
	}
}

func probeFromFile(p fileProbeSpec) ProbeSpec {
	kind := ProbeHTTP
	switch p.Kind {
	case "tcp":
		kind = ProbeTCP
	case "script":
		kind = ProbeScript
	}
	return ProbeSpec{
		Kind:           kind,
		Path:           p.Path,
		ExpectStatuses: p.ExpectStatuses,
		Command:        p.Command,
		Period:         parseDurationOr(p.Period, 10*time.Second),
		Timeout:        parseDurationOr(p.Timeout, 2*time.Second),
		HealthyAfter:   orDefault(p.HealthyAfter, 2),
		UnhealthyAfter: orDefault(p.UnhealthyAfter, 3),
		StartupGrace:   parseDurationOr(p.StartupGrace, 5*time.Second),
	}
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// ParseDomainPattern decodes one domain string into the tagged
// DomainPattern variant (spec §3): "*.suffix", "prefix.*", "*" (default),
// or an exact name.
func ParseDomainPattern(s string) DomainPattern {
	switch {
	case s == "*" || s == "":
		return DomainPattern{Kind: PatternDefault}
	case len(s) > 2 && s[0] == '*' && s[1] == '.':
		return DomainPattern{Kind: PatternWildcardSuffix, Suffix: s[2:]}
	case len(s) > 2 && s[len(s)-2:] == ".*":
		return DomainPattern{Kind: PatternWildcardPrefix, Prefix: s[:len(s)-1]}
	default:
		return DomainPattern{Kind: PatternExact, Name: s}
	}
}
