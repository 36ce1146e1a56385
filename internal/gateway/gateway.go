package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/channel"
	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/client"
	"github.com/stellarlinkco/pvedge/internal/config"
	"github.com/stellarlinkco/pvedge/internal/control"
	"github.com/stellarlinkco/pvedge/internal/cron"
	"github.com/stellarlinkco/pvedge/internal/fetcher"
	"github.com/stellarlinkco/pvedge/internal/lifecycle"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/manifest"
	"github.com/stellarlinkco/pvedge/internal/metrics"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/router"
	"github.com/stellarlinkco/pvedge/internal/strategy"
)

// Routes served next to the intercepted traffic.
const (
	WebSocketPath = "/_pvedge/ws"
	MetricsPath   = "/metrics"

	JobMaintenance  = "maintenance"
	JobInstallRetry = "install-retry"

	shutdownTimeout = 5 * time.Second
)

// Options for creating a Gateway
type Options struct {
	// Fetcher replaces the HTTP upstream.
	Fetcher fetcher.Fetcher
	// Store replaces the configured store. The caller keeps ownership.
	Store      partition.Store
	Manifest   *manifest.Manifest
	Logger     *slog.Logger
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	store      partition.Store
	ownsStore  bool
	manifest   *manifest.Manifest
	background *strategy.Background
	lifecycle  *lifecycle.Controller
	control    *control.Handler
	pages      *channel.PageChannel
	channels   *channel.ChannelManager
	cron       *cron.Service
	registry   *metrics.Registry
	handler    http.Handler
	signalChan chan os.Signal

	// tasks tracks the install and control-message goroutines Run starts.
	tasks sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	addr     string
	cancel   context.CancelFunc
	closing  bool
	ready    chan struct{}
	shutdown sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("resolve origin: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		level, _ := logging.ParseLevel(cfg.Log.Level)
		logger = logging.New(os.Stderr, level, cfg.Log.NoColor)
	}

	g := &Gateway{
		cfg:        cfg,
		log:        logging.Component(logger, "gateway"),
		signalChan: opts.SignalChan,
		ready:      make(chan struct{}),
	}

	// Manifest
	g.manifest = opts.Manifest
	if g.manifest == nil {
		if g.manifest, err = manifest.Load(cfg.Agent.ManifestPath); err != nil {
			return nil, fmt.Errorf("load manifest: %w", err)
		}
	}

	// Upstream
	fetch := opts.Fetcher
	if fetch == nil {
		hf, err := fetcher.New(cfg.Agent.Upstream, nil)
		if err != nil {
			return nil, fmt.Errorf("create fetcher: %w", err)
		}
		fetch = hf
	}

	// Metrics
	var (
		reqMetrics  *metrics.RequestMetrics
		partMetrics *partition.Metrics
	)
	if cfg.Telemetry.Metrics {
		g.registry = metrics.NewRegistry()
		if reqMetrics, err = metrics.NewRequestMetrics(g.registry); err != nil {
			return nil, fmt.Errorf("register request metrics: %w", err)
		}
		if partMetrics, err = partition.NewMetrics(g.registry, cfg.Agent.Prefix); err != nil {
			return nil, fmt.Errorf("register partition metrics: %w", err)
		}
	}

	// Store
	g.store = opts.Store
	if g.store == nil {
		if g.store, err = OpenStore(cfg.Storage); err != nil {
			return nil, err
		}
		g.ownsStore = true
	}
	store := g.store
	if partMetrics != nil {
		store = partition.Instrument(store, partMetrics)
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize, logger)

	// Lifecycle
	populator := lifecycle.NewPopulator(lifecycle.PopulatorConfig{
		Fetcher:         fetch,
		Origin:          origin,
		BinaryExtension: cfg.Agent.BinaryExtension,
		BinaryMIME:      cfg.Agent.BinaryMIME,
		Concurrency:     cfg.Agent.FetchWorkers,
		Logger:          logger,
	})
	g.lifecycle = lifecycle.New(lifecycle.Config{
		Store:          store,
		Manifest:       g.manifest,
		Populator:      populator,
		Broadcaster:    g.bus,
		Prefix:         cfg.Agent.Prefix,
		Version:        cfg.Agent.Version,
		MaxGameEntries: cfg.Eviction.MaxGameEntries,
		EvictCount:     cfg.Eviction.EvictCount,
		Logger:         logger,
		Metrics:        partMetrics,
	})

	// Interception
	rules := classify.DefaultRules(origin.Host, g.manifest)
	rules.FontOrigins = cfg.Agent.FontOrigins
	rules.BinaryExtension = cfg.Agent.BinaryExtension
	rules.APIPrefix = cfg.Agent.APIPrefix

	g.background = strategy.NewBackground(logger)
	strategies := strategy.NewSet(strategy.Deps{
		Fetcher:    fetch,
		Logger:     logger,
		Background: g.background,
	}, strategy.Options{
		BinaryMIME:      cfg.Agent.BinaryMIME,
		ListingPaths:    cfg.Agent.ListingPaths,
		OfflineDocument: cfg.Agent.OfflineDocument,
	})
	rt := router.New(router.Config{
		Classifier: classify.New(rules),
		Strategies: strategies,
		Partitions: g.lifecycle,
		Fetcher:    fetch,
		Origin:     origin,
		// Upstream and font hosts; everything else is refused.
		PassThroughHosts: append([]string{cfg.Agent.Upstream}, cfg.Agent.FontOrigins...),
		Logger:           logger,
		Metrics:          reqMetrics,
	})

	// Control and pages
	g.control = control.NewHandler(g.lifecycle, g.manifest, g.bus, logger)
	g.pages = channel.NewPageChannel(channel.PageConfig{OriginPatterns: cfg.Gateway.AllowedOrigins}, g.bus, logger)
	if g.channels, err = channel.NewChannelManager(g.bus, logger, g.pages); err != nil {
		g.closeStore()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}

	// Cron
	g.cron = cron.NewService(config.JobStatePath(), logger)
	if err := g.addJobs(); err != nil {
		g.closeStore()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, g.pages)
	mux.Handle(client.ControlPath, g.control)
	mux.HandleFunc(client.HealthPath, g.handleHealth)
	if g.registry != nil {
		mux.Handle(MetricsPath, g.registry.Handler())
	}
	mux.Handle("/", rt)
	g.handler = logging.Middleware(logger)(mux)

	return g, nil
}

// OpenStore opens the partition store cfg selects.
func OpenStore(cfg config.StorageConfig) (partition.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return partition.NewMemoryStore(), nil
	default:
		s, err := partition.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open partition store: %w", err)
		}
		return s, nil
	}
}

func (g *Gateway) addJobs() error {
	if err := g.cron.AddJob(JobMaintenance, g.cfg.Maintenance.Schedule, g.maintenance); err != nil {
		return err
	}
	return g.cron.AddJob(JobInstallRetry, g.cfg.Maintenance.InstallRetry, g.installRetry)
}

func (g *Gateway) maintenance(ctx context.Context) (string, error) {
	n, err := g.lifecycle.EnforceBound(ctx)
	if errors.Is(err, lifecycle.ErrNotActive) {
		return "skipped: no active version", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("evicted %d entries", n), nil
}

func (g *Gateway) installRetry(ctx context.Context) (string, error) {
	if g.lifecycle.ActiveVersion() == g.lifecycle.Version() {
		return "skipped: already active", nil
	}
	res, err := g.lifecycle.Run(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("activated %s, purged %d partitions", res.Version, len(res.Deleted)), nil
}

// Handler is the complete HTTP surface of the agent.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Lifecycle exposes the controller serving traffic.
func (g *Gateway) Lifecycle() *lifecycle.Controller { return g.lifecycle }

// Addr is the listening address once Run has bound it.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Ready is closed once the server is accepting connections.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.lifecycle.Restore(ctx); err != nil {
		g.log.Warn("restore failed", "error", err)
	}

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info("channels started", "channels", g.channels.EnabledChannels())

	go g.processLoop(ctx)

	addr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = g.channels.StopAll()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: g.handler, ReadHeaderTimeout: 10 * time.Second}
	g.mu.Lock()
	g.server = srv
	g.addr = ln.Addr().String()
	g.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("server error", "error", err)
		}
	}()
	close(g.ready)
	g.log.Info("running", "addr", g.Addr(), "version", g.lifecycle.Version(), "upstream", g.cfg.Agent.Upstream)

	// Install runs while the previous version keeps serving.
	g.goTask(func() {
		if _, err := g.lifecycle.Run(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("install failed, previous version keeps serving", "version", g.lifecycle.Version(), "error", err)
		}
	})

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn("cron start failed", "error", err)
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info("shutting down")
	return g.Shutdown()
}

// goTask runs fn on a goroutine that Shutdown waits for. Once Shutdown has
// begun fn is dropped.
func (g *Gateway) goTask(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return
	}
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		fn()
	}()
}

// waitTasks blocks until every goTask returned or ctx is done.
func (g *Gateway) waitTasks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processLoop handles control messages concurrently as they arrive.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.log.Debug("inbound control message", "channel", msg.Channel, "sender", msg.SenderID)
			g.goTask(func() { g.control.HandleInbound(ctx, msg) })
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := control.Health{
		Status:        "ok",
		Version:       g.lifecycle.Version(),
		ActiveVersion: g.lifecycle.ActiveVersion(),
		State:         g.lifecycle.State().String(),
	}
	parts, ok, err := g.lifecycle.Active(r.Context())
	switch {
	case err != nil:
		h.Status = "error"
	case !ok && g.lifecycle.State() == lifecycle.Redundant:
		h.Status = "error"
	case !ok:
		h.Status = "installing"
	default:
		if h.ActiveVersion != h.Version {
			h.Status = "degraded"
		}
		h.Entries = make(map[string]int, len(parts))
		for _, p := range parts {
			n, err := p.Len(r.Context())
			if err != nil {
				h.Status = "degraded"
				continue
			}
			h.Entries[p.Name()] = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(h)
}

// Shutdown cancels Run's context, stops serving, waits for the install,
// control messages and background refreshes, then closes the store. It is
// safe to call more than once.
func (g *Gateway) Shutdown() error {
	var err error
	g.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		g.mu.Lock()
		srv, stop := g.server, g.cancel
		g.closing = true
		g.mu.Unlock()
		if stop != nil {
			stop()
		}
		if srv != nil {
			if serr := srv.Shutdown(ctx); serr != nil {
				g.log.Warn("server shutdown", "error", serr)
			}
		}
		g.cron.Stop()
		_ = g.channels.StopAll()
		if werr := g.waitTasks(ctx); werr != nil {
			g.log.Warn("install or control tasks still running", "error", werr)
		}
		if werr := g.background.WaitContext(ctx); werr != nil {
			g.log.Warn("background refreshes still running", "error", werr)
		}
		err = g.closeStore()
		g.log.Info("shutdown complete")
	})
	return err
}

func (g *Gateway) closeStore() error {
	if !g.ownsStore || g.store == nil {
		return nil
	}
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close partition store: %w", err)
	}
	return nil
}
