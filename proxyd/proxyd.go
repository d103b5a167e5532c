package proxyd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Daemon owns the full lifecycle of one running proxy: it wires every
// component in §4 together from a Config and drives config reload,
// periodic sweeps, and graceful shutdown.
type Daemon struct {
	log log.Logger
	cfg Config

	balancedPool *Pool
	privatePool  *Pool
	heads        *HeadTracker
	cache        *ResponseCache
	pendingTx    *PendingTxIndex
	fanOut       *FanOut
	router       *Router
	server       *Server
	metricsSrv   *http.Server
	metrics      *MetricsRegistry
	promReg      *prometheus.Registry

	external RateLimiter

	stopSweep chan struct{}
}

// NewDaemon builds every component but does not start network listeners,
// upstream subscriptions or the pending-tx sweep loop; call Start for that.
// Each Upstream's health monitor and the FanOut's head-watch loop do start
// here, in their constructors.
func NewDaemon(cfg Config) (*Daemon, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		log:       log.New("component", "daemon", "chain_id", cfg.ChainID),
		cfg:       cfg,
		stopSweep: make(chan struct{}),
	}

	d.promReg = prometheus.NewRegistry()
	d.metrics = NewMetricsRegistry("rpcproxy")
	d.metrics.MustRegister(d.promReg)

	if cfg.RateLimitStore != "" {
		d.external = NewRedisRateLimiter(cfg.RateLimitStore, time.Minute)
	} else {
		d.external = NullRateLimiter{}
	}

	d.heads = NewHeadTracker(cfg.ReorgDepth, int(cfg.MinSyncedUpstreams), d.degradeUpstream)
	d.heads.SetMetrics(d.metrics)

	d.cache = NewResponseCache(cfg.ResponseCacheMaxEntries, cfg.ResponseCacheMaxBytes)

	d.balancedPool = NewPool(d.heads.Current)
	if len(cfg.PrivateRPCs) > 0 {
		d.privatePool = NewPool(d.heads.Current)
	}

	if err := d.buildUpstreams(); err != nil {
		return nil, err
	}

	d.fanOut = NewFanOut(d.heads, newPoolTxFetcher(d.balancedPool))
	d.fanOut.SetMetrics(d.metrics)

	d.pendingTx = NewPendingTxIndex(
		time.Duration(cfg.PendingTxRetentionBlocks)*blockTimeEstimate,
		d.fanOut.OnPendingTxTransition,
	)

	d.router = NewRouter(d.balancedPool, d.privatePool, d.heads, d.cache, d.pendingTx, cfg.ChainID, time.Duration(cfg.RequestTimeoutSecs)*time.Second, cfg.UpstreamRetries)
	d.router.SetMetrics(d.metrics)

	var auth AuthResolver
	if len(cfg.APIKeys) > 0 {
		auth = NewCachingAuthResolver(NewStaticAuthResolver(cfg.APIKeys), time.Duration(cfg.AuthCacheTTLSecs)*time.Second, 0)
	}

	d.server = NewServer(ServerOpts{
		Router:             d.router,
		FanOut:             d.fanOut,
		Auth:               auth,
		ClientRateLimiter:  d.external,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	return d, nil
}

// blockTimeEstimate is the wall-clock block-time assumption behind
// "retention (default: 256 blocks of wall-time estimate)" (spec.md §4.7).
// 12s matches Ethereum mainnet post-Merge; a chain-specific override would
// be a config knob, but the spec names only the block count.
const blockTimeEstimate = 12 * time.Second

func (d *Daemon) buildUpstreams() error {
	balanced, err := d.buildUpstreamSet(d.cfg.BalancedRPCs)
	if err != nil {
		return err
	}
	dropped := swapAndDiff(d.balancedPool, balanced)
	shutdownDropped(dropped)

	if d.privatePool != nil {
		private, err := d.buildUpstreamSet(d.cfg.PrivateRPCs)
		if err != nil {
			return err
		}
		dropped := swapAndDiff(d.privatePool, private)
		shutdownDropped(dropped)
	}
	return nil
}

// swapAndDiff swaps pool membership to next and returns the upstreams that
// were present before the swap but are absent from next, by identity
// (pointer equality) rather than id, so a reload that happens to reuse an id
// for a reconfigured endpoint still shuts down the old *Upstream.
func swapAndDiff(pool *Pool, next []*Upstream) []*Upstream {
	prev := pool.Members()
	keep := make(map[*Upstream]struct{}, len(next))
	for _, u := range next {
		keep[u] = struct{}{}
	}
	dropped := make([]*Upstream, 0, len(prev))
	for _, u := range prev {
		if _, ok := keep[u]; !ok {
			dropped = append(dropped, u)
		}
	}
	pool.Swap(next)
	return dropped
}

// shutdownDropped tears down upstreams removed from a pool by a reload.
// pool.go's Swap doc comment makes this the caller's responsibility: the
// Pool itself never shuts anything down, it only swaps the pointer.
func shutdownDropped(dropped []*Upstream) {
	var wg sync.WaitGroup
	for _, u := range dropped {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			u.Shutdown()
		}(u)
	}
	wg.Wait()
}

func (d *Daemon) buildUpstreamSet(configs map[string]RPCConfig) ([]*Upstream, error) {
	members := make([]*Upstream, 0, len(configs))
	for name, rc := range configs {
		t := newHTTPTransport(rc.URL, time.Duration(d.cfg.RequestTimeoutSecs)*time.Second)
		u := NewUpstream(UpstreamOpts{
			ID:          UpstreamId(name),
			Transport:   t,
			SoftLimit:   rc.SoftLimit,
			HardLimit:   rc.HardLimit,
			External:    d.external,
			CallTimeout: time.Duration(d.cfg.RequestTimeoutSecs) * time.Second,
			MaxHeadAge:  time.Duration(d.cfg.MaxHeadAgeSecs) * time.Second,
			OnHead:      d.heads.OnUpstreamHead,
			OnPendingTx: d.onPendingTx,
		})
		u.SetMetrics(d.metrics)
		members = append(members, u)
	}
	return members, nil
}

func (d *Daemon) onPendingTx(hash common.Hash) {
	d.pendingTx.ObservePending(hash)
}

// degradeUpstream is HeadTracker's collaborator hook: it looks the upstream
// up in both pools since the tracker itself has no pool reference.
func (d *Daemon) degradeUpstream(id UpstreamId) {
	if u, ok := d.balancedPool.Get(id); ok {
		u.degradeForStaleHead()
		return
	}
	if d.privatePool != nil {
		if u, ok := d.privatePool.Get(id); ok {
			u.degradeForStaleHead()
		}
	}
}

// Start subscribes every upstream and opens network listeners. The metrics
// server and sweep loop run in background goroutines; the JSON-RPC server
// runs on the calling goroutine, so Start blocks until that server stops and
// returns its exit error.
func (d *Daemon) Start(ctx context.Context) error {
	var subErrs *multierror.Error
	for _, u := range d.balancedPool.Members() {
		if err := u.StartSubscriptions(ctx); err != nil {
			subErrs = multierror.Append(subErrs, fmt.Errorf("upstream %s: %w", u.ID, err))
		}
	}
	if d.privatePool != nil {
		for _, u := range d.privatePool.Members() {
			if err := u.StartSubscriptions(ctx); err != nil {
				subErrs = multierror.Append(subErrs, fmt.Errorf("private upstream %s: %w", u.ID, err))
			}
		}
	}
	if err := subErrs.ErrorOrNil(); err != nil {
		// Subscription startup failures degrade individual upstreams
		// (they stay Connecting and never see recordSuccess), they do
		// not abort the daemon: a node reachable only over HTTP is
		// still useful for non-subscription traffic.
		d.log.Warn("some upstreams failed to start subscriptions", "err", err)
	}

	go d.sweepLoop()

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}))
		d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go d.serveMetrics()
	}

	d.log.Info("listening", "addr", d.cfg.ListenAddr)
	return d.server.ListenAndServe(d.cfg.ListenAddr)
}

func (d *Daemon) serveMetrics() {
	if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.log.Warn("metrics server exited", "err", err)
	}
}

// sweepLoop periodically removes retention-expired Confirmed entries from
// the Pending-Tx Index (spec.md §4.7).
func (d *Daemon) sweepLoop() {
	ticker := time.NewTicker(blockTimeEstimate * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.pendingTx.Sweep(time.Now())
			d.metrics.PendingTxIndex.Set(float64(d.pendingTx.Len()))
		case <-d.stopSweep:
			return
		}
	}
}

// Reload validates and applies a new Config. A chain_id change is rejected
// outright (spec.md §6: reload "locks" chain_id).
func (d *Daemon) Reload(cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ChainID != d.cfg.ChainID {
		return ErrInvalidConfig
	}
	d.cfg = cfg
	return d.buildUpstreams()
}

// Shutdown drains in-flight work up to grace, then force-cancels.
func (d *Daemon) Shutdown(grace time.Duration) {
	close(d.stopSweep)
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		d.log.Warn("server shutdown did not finish within grace period", "err", err)
	}
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Shutdown(ctx)
	}
	d.fanOut.Shutdown()
	d.balancedPool.ShutdownAll()
	if d.privatePool != nil {
		d.privatePool.ShutdownAll()
	}
}
