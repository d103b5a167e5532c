package proxyd

import "fmt"

// Config mirrors the schema consumed (not defined) by the core, spec.md §6.
type Config struct {
	ChainID                uint64                `toml:"chain_id"`
	MinSyncedUpstreams     uint                  `toml:"min_synced_upstreams"`
	ReorgDepth             uint64                `toml:"reorg_depth"`
	ResponseCacheMaxEntries int                  `toml:"response_cache_max_entries"`
	ResponseCacheMaxBytes  int64                 `toml:"response_cache_max_bytes"`
	RequestTimeoutSecs     uint                  `toml:"request_timeout_secs"`
	BalancedRPCs           map[string]RPCConfig  `toml:"balanced_rpcs"`
	PrivateRPCs            map[string]RPCConfig  `toml:"private_rpcs"`
	RateLimitStore         string                `toml:"rate_limit_store"`

	// APIKeys is the static credential store backing the default
	// AuthResolver (spec.md §6's external user/auth interface). A real
	// deployment fronted by a relational user store would supply its own
	// AuthResolver to NewServer instead; this map is the zero-dependency
	// fallback for self-contained deployments.
	APIKeys         map[string]AuthKeyConfig `toml:"api_keys"`
	AuthCacheTTLSecs uint                    `toml:"auth_cache_ttl_secs"`

	// MaxHeadAgeSecs and UpstreamRetries are not in the literal wire schema
	// of spec.md §6 but are needed by the upstream health state machine and
	// the Router's transport retry; applyDefaults fills them with
	// conservative defaults.
	MaxHeadAgeSecs  uint `toml:"max_head_age_secs"`
	UpstreamRetries int  `toml:"upstream_retries"`
	WorkerCount     int  `toml:"-"` // set from the CLI flag, not the file

	// Ambient frontend/ops configuration: not part of the core's own
	// contract, but every real deployment needs it.
	ListenAddr         string   `toml:"listen_addr"`
	MetricsAddr        string   `toml:"metrics_addr"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	PendingTxRetentionBlocks uint `toml:"pending_tx_retention_blocks"`
}

// RPCConfig is one entry of balanced_rpcs / private_rpcs.
type RPCConfig struct {
	URL       string  `toml:"url"`
	SoftLimit uint32  `toml:"soft_limit"`
	HardLimit *uint32 `toml:"hard_limit"`
}

// AuthKeyConfig is one entry of api_keys: an API key's resolved identity and
// per-minute rate, per spec.md §6's resolve(api_key) -> (user_id, limit).
type AuthKeyConfig struct {
	UserID        string `toml:"user_id"`
	PerMinuteRate uint64 `toml:"per_minute_rate"` // 0 (UnlimitedRate) means unlimited
}

const (
	defaultRequestTimeoutSecs       = 60
	defaultMaxHeadAgeSecs           = 30
	defaultUpstreamRetries          = 3
	defaultCacheMaxEntries          = 10_000
	defaultListenAddr               = ":8545"
	defaultMetricsAddr              = ":9761"
	defaultPendingTxRetentionBlocks = 256
	defaultAuthCacheTTLSecs         = 60
)

// applyDefaults fills zero-valued optional fields the way the teacher's own
// config loaders do (see e.g. tos-pool's NodeConfig defaulting pattern):
// defaults are applied once at load time, not scattered through call sites.
func (c *Config) applyDefaults() {
	if c.RequestTimeoutSecs == 0 {
		c.RequestTimeoutSecs = defaultRequestTimeoutSecs
	}
	if c.MaxHeadAgeSecs == 0 {
		c.MaxHeadAgeSecs = defaultMaxHeadAgeSecs
	}
	if c.UpstreamRetries == 0 {
		c.UpstreamRetries = defaultUpstreamRetries
	}
	if c.ResponseCacheMaxEntries == 0 {
		c.ResponseCacheMaxEntries = defaultCacheMaxEntries
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = defaultMetricsAddr
	}
	if c.PendingTxRetentionBlocks == 0 {
		c.PendingTxRetentionBlocks = defaultPendingTxRetentionBlocks
	}
	if c.AuthCacheTTLSecs == 0 {
		c.AuthCacheTTLSecs = defaultAuthCacheTTLSecs
	}
}

// Validate checks the config is internally consistent. It does not compare
// against a previous config; that is Daemon.Reload's job (proxyd.go).
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if len(c.BalancedRPCs) == 0 {
		return fmt.Errorf("at least one balanced RPC is required")
	}
	for name, rc := range c.BalancedRPCs {
		if rc.URL == "" {
			return fmt.Errorf("balanced_rpcs.%s: url is required", name)
		}
		if rc.SoftLimit == 0 {
			return fmt.Errorf("balanced_rpcs.%s: soft_limit must be > 0", name)
		}
	}
	for name, rc := range c.PrivateRPCs {
		if rc.URL == "" {
			return fmt.Errorf("private_rpcs.%s: url is required", name)
		}
	}
	return nil
}
