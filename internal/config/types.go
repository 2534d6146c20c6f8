// Package config holds the edge server's data model (spec §3): the
// configuration snapshot of virtual hosts and backends that every request
// is served against. Snapshots are immutable once built — see snapshot.go
// for the atomic-pointer publication scheme (spec §9 design note).
package config

import "time"

// PatternKind tags a DomainPattern variant.
type PatternKind int

const (
	PatternExact PatternKind = iota
	PatternWildcardSuffix
	PatternWildcardPrefix
	PatternDefault
)

// DomainPattern is the tagged variant from spec §3. Exactly one of Name,
// Suffix, Prefix is meaningful, selected by Kind.
type DomainPattern struct {
	Kind   PatternKind
	Name   string // PatternExact: "example.com"
	Suffix string // PatternWildcardSuffix: "*.example.com" -> "example.com"
	Prefix string // PatternWildcardPrefix: "api.*" -> "api."
}

// VirtualHost is the spec §3 VirtualHost. It is built once per
// configuration load/reload and never mutated afterward; identity is ID.
type VirtualHost struct {
	ID             string
	Domains        []DomainPattern
	Priority       int
	DocumentRoot   string
	Backend        *Backend
	SSLProfile     string
	Rewrites       []RewriteRule
	ErrorPages     map[int]string
	HeaderOverride map[string]string

	// insertionOrder breaks ties within equal precedence and priority
	// (spec §3 DomainPattern matching precedence).
	insertionOrder int
}

// InsertionOrder exposes VirtualHost.insertionOrder to internal/vhost's
// tie-breaking logic without letting anything else forge it.
func InsertionOrder(vh *VirtualHost) int { return vh.insertionOrder }

// SetInsertionOrder is used by constructors outside this package (e.g. the
// management API's vhost CRUD handlers) that build a VirtualHost directly
// rather than through Load.
func SetInsertionOrder(vh *VirtualHost, order int) { vh.insertionOrder = order }

// RewriteFlag is the spec §4.C rewrite rule flag subset.
type RewriteFlag string

const (
	FlagLast      RewriteFlag = "last"
	FlagRedirect  RewriteFlag = "redirect"
	FlagProxy     RewriteFlag = "proxy"
	FlagForbidden RewriteFlag = "forbidden"
	FlagGone      RewriteFlag = "gone"
)

// RewriteCondition is one ANDed (optionally negated) precondition on a rule.
type RewriteCondition struct {
	Variable string // e.g. "host", "query:foo", "header:X-Foo"
	Pattern  string // regular expression
	Negate   bool
}

// RewriteRule is the spec §4.C rewrite rule.
type RewriteRule struct {
	Pattern      string // regexp with capture groups
	Replacement  string // back-reference replacement, e.g. "/new/$1"
	Flags        []RewriteFlag
	RedirectCode int // meaningful when FlagRedirect is set
	Conditions   []RewriteCondition
}

// BackendKind tags the Backend variant from spec §3.
type BackendKind int

const (
	BackendStatic BackendKind = iota
	BackendProxy
	BackendProcess
	BackendRedirect
)

// Strategy is the load-balancing strategy for a Proxy backend (spec §4.E).
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLeastConns      Strategy = "least_connections"
	StrategyIPHash          Strategy = "ip_hash"
	StrategyWeightedRR      Strategy = "weighted"
)

// PoolConfig tunes a backend's connection pool (spec §3 ConnectionPool).
type PoolConfig struct {
	MaxPerHost      int
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	DialTimeout     time.Duration
	CheckoutTimeout time.Duration // spec §5: pool checkout awaits a semaphore with this timeout
}

// RetryPolicy bounds proxy engine retries (spec §4.E).
type RetryPolicy struct {
	MaxRetries     int
	RetryableCodes []int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// UpstreamTarget is the spec §3 UpstreamTarget, minus the mutable health
// fields which live in internal/proxy (a target reference here is just the
// static configuration: address and weight).
type UpstreamTarget struct {
	Address string
	Weight  int
}

// SpawnSpec describes how internal/supervisor should start a Process
// backend's child (spec §4.G).
type SpawnSpec struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	User       string
	Group      string
	MaxRSSMB   int64
	MaxCPUPct  int
	Stdio      StdioSpec
}

// StdioSpec configures where a managed process's stdio streams are routed.
type StdioSpec struct {
	CaptureStdout bool
	CaptureStderr bool
}

// ProbeSpec is a readiness/liveness probe definition (spec §4.F/§4.G).
type ProbeSpec struct {
	Kind           ProbeKind
	Path           string // ProbeHTTP
	ExpectStatuses []int  // ProbeHTTP
	Command        string // ProbeScript
	Period         time.Duration
	Timeout        time.Duration
	HealthyAfter   int // consecutive successes
	UnhealthyAfter int // consecutive failures
	StartupGrace   time.Duration
}

type ProbeKind int

const (
	ProbeHTTP ProbeKind = iota
	ProbeTCP
	ProbeScript
)

// RestartPolicy bounds the supervisor's restart budget (spec §4.G).
type RestartPolicy struct {
	MaxRestarts    int
	RestartWindow  time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	GracePeriod    time.Duration // SIGTERM -> SIGKILL escalation
}

// Backend is the spec §3 Backend tagged variant.
type Backend struct {
	Kind BackendKind

	// BackendStatic
	Root           string
	IndexFiles     []string
	ListingEnabled bool

	// BackendProxy
	Targets      []UpstreamTarget
	Strategy     Strategy
	Pool         PoolConfig
	Retry        RetryPolicy
	HealthProbe  ProbeSpec
	PreserveHost bool // spec §4.E: preserve the inbound Host header instead of substituting the upstream authority

	// BackendProcess
	ProcessName   string
	Spawn         SpawnSpec
	ProcessPort   int
	ProcessProbe  ProbeSpec
	Restart       RestartPolicy

	// BackendRedirect
	RedirectTarget        string
	RedirectCode          int
	RedirectPreservePath  bool
	RedirectPreserveQuery bool
}

// RateLimitConfig configures the token-bucket rate limiter (spec §4.C).
type RateLimitConfig struct {
	Enabled    bool
	Dimensions []string // subset of {"ip", "principal", "route"}
	Rate       float64  // tokens per second
	Burst      int
	SliceSize  int // cluster-wide amortization slice (spec §4.C)
}

// CacheConfig configures the content-addressed cache tier (spec §4.C).
type CacheConfig struct {
	Enabled      bool
	L1Entries    int
	L1MaxBytes   int64
	L2Address    string // opaque remote KV, e.g. redis
	L3Dir        string // on-disk tier
	VaryHeaders  []string
}

// CompressionConfig configures response compression (spec §4.C).
type CompressionConfig struct {
	Enabled     bool
	MinSize     int64
	DenyTypes   []string
	Preference  []string // e.g. ["zstd","br","gzip"]
}

// SecurityHeaderPolicy configures the final middleware stage (spec §4.C).
type SecurityHeaderPolicy struct {
	Headers map[string]string
	Force   bool
}

// ListenerConfig is a spec §6 listener.
type ListenerConfig struct {
	BindAddress    string
	Protocols      []string // subset of {"http/1.1","h2"}
	TLS            bool
	ProxyProtocol  bool
}

// Snapshot is the immutable configuration value readers borrow for the
// duration of a request (spec §9 design note: atomically-swapped, never an
// RWMutex on the hot path).
type Snapshot struct {
	Revision      uint64
	LoadedAt      time.Time
	Listeners     []ListenerConfig
	ManagementAddr string
	VHosts        []*VirtualHost
	DefaultCertID string
	RateLimit     RateLimitConfig
	Cache         CacheConfig
	Compression   CompressionConfig
	SecurityHeaders SecurityHeaderPolicy
	MaxBodySize   int64
}
