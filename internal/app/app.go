package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"oracle-reconciler/internal/aggregator"
	"oracle-reconciler/internal/alerting"
	"oracle-reconciler/internal/cache"
	"oracle-reconciler/internal/config"
	"oracle-reconciler/internal/fetcher"
	"oracle-reconciler/internal/metrics"
	"oracle-reconciler/internal/resilience"
	"oracle-reconciler/internal/rpcpool"
	"oracle-reconciler/internal/scheduler"
	"oracle-reconciler/internal/service"
	"oracle-reconciler/internal/storage"
	"oracle-reconciler/internal/syncer"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; logs go to the logger.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// components are the wired engines for one command invocation.
type components struct {
	store      *storage.Store
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	clients    *rpcpool.ClientCache
	workers    pond.Pool
	cache      cache.Cache
	raiser     *alerting.Raiser
	syncer     *syncer.Syncer
	guard      *syncer.Guard
	aggregator *aggregator.Aggregator
	collector  *fetcher.Collector
	closers    []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured")
	}
	return store, closeStore, nil
}

// build wires every engine over a configured store.
func (a *App) build(ctx context.Context) (*components, error) {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return nil, err
	}
	c := &components{store: store, closers: []func(){closeStore}}

	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			c.close()
			return nil, err
		}
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.New(c.registry)

	c.cache, err = a.newCache(ctx, c.metrics)
	if err != nil {
		c.close()
		return nil, err
	}
	if closer, ok := c.cache.(interface{ Close() error }); ok {
		c.closers = append(c.closers, func() { _ = closer.Close() })
	}

	c.raiser = a.newRaiser(store, c.metrics)

	c.clients = rpcpool.NewClientCache()
	c.closers = append(c.closers, c.clients.Close)
	c.workers = pond.NewPool(a.Config.Sync.FetchConcurrency)
	c.closers = append(c.closers, c.workers.StopAndWait)

	syncCfg := a.Config.Sync
	c.syncer = syncer.New(store, c.clients, c.raiser, c.metrics, c.workers, syncer.Options{
		MinWindow:     syncCfg.MinWindow,
		MaxWindow:     syncCfg.MaxWindow,
		Rewind:        syncCfg.Rewind,
		RangeAttempts: syncCfg.RangeAttempts,
		RPCTimeout:    syncCfg.RPCTimeout,
		Observer:      c.metrics,
	}, a.Logger)
	c.guard = syncer.NewGuard(c.syncer.SyncOnce, a.Logger)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: a.Config.Aggregation.Breaker.FailureThreshold,
		SuccessThreshold: a.Config.Aggregation.Breaker.SuccessThreshold,
		Cooldown:         a.Config.Aggregation.Breaker.Cooldown,
	}, c.metrics.BreakerChanged)
	opts, err := aggregationOptions(a.Config)
	if err != nil {
		c.close()
		return nil, err
	}
	c.aggregator = aggregator.New(store, store, c.cache, breakers, c.raiser, c.metrics, opts, a.Logger)
	c.closers = append(c.closers, c.aggregator.Close)

	feeds, err := a.newFeeds(c.clients, c.metrics)
	if err != nil {
		c.close()
		return nil, err
	}
	if len(feeds) > 0 {
		c.collector = fetcher.NewCollector(feeds, store, c.metrics, a.Config.Feeds.Concurrency, a.Config.Aggregation.Freshness, a.Logger)
		c.closers = append(c.closers, c.collector.Close)
	}
	return c, nil
}

func (a *App) newCache(ctx context.Context, m *metrics.Metrics) (cache.Cache, error) {
	cfg := a.Config.Redis
	if strings.TrimSpace(cfg.Addr) == "" {
		a.Logger.Info().Msg("redis.addr not configured; using in-process cache")
		return cache.NewMemory(m), nil
	}
	return cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
	}, m)
}

func (a *App) newNotifier() alerting.Notifier {
	multi := alerting.NewMultiNotifier(a.Logger).Register(alerting.ChannelLog, alerting.NewLogNotifier(a.Logger))
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		multi.Register(alerting.ChannelTelegram, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		multi.Register(alerting.ChannelWebhook, alerting.NewWebhookNotifier(cfg.URL, cfg.Headers, cfg.Timeout, a.Logger))
	}
	return multi
}

// newRaiser returns nil when alerting is disabled; a nil Raiser raises nothing.
func (a *App) newRaiser(store *storage.Store, m *metrics.Metrics) *alerting.Raiser {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	opts := alerting.RaiserOptions{
		Rules:    a.Config.Alerting.EffectiveRules(),
		Cooldown: a.Config.Alerting.Cooldown,
	}
	if store == nil {
		return alerting.NewRaiser(nil, nil, a.newNotifier(), m, opts, a.Logger)
	}
	return alerting.NewRaiser(store, store, a.newNotifier(), m, opts, a.Logger)
}

func (a *App) newFeeds(clients rpcpool.Dialer, m *metrics.Metrics) ([]fetcher.Feed, error) {
	feeds := make([]fetcher.Feed, 0, len(a.Config.Feeds.Sources))
	for _, src := range a.Config.Feeds.Sources {
		var f fetcher.ObservationFetcher
		switch strings.ToLower(src.Kind) {
		case config.FeedOnChain:
			f = fetcher.NewOnChain(fetcher.OnChainOptions{
				RPCURLs:  src.RPCURLs,
				Feeds:    src.Contracts,
				Timeout:  src.Timeout,
				Observer: m,
			}, clients, a.Logger)
		case config.FeedHTTP:
			f = fetcher.NewHTTP(fetcher.HTTPOptions{
				URL:           src.URL,
				PricePath:     src.PricePath,
				TimestampPath: src.TimestampPath,
				Headers:       src.Headers,
				Timeout:       src.Timeout,
				RatePerSecond: src.RatePerSecond,
				Burst:         src.Burst,
				Confidence:    src.Confidence,
			}, a.Logger)
		default:
			return nil, fmt.Errorf("unknown feed kind %q", src.Kind)
		}
		feeds = append(feeds, fetcher.Feed{Protocol: src.Protocol, Chain: src.Chain, Symbols: src.Symbols, Fetcher: f})
	}
	return feeds, nil
}

func aggregationOptions(cfg *config.Config) (aggregator.Options, error) {
	agg := cfg.Aggregation
	method, err := aggregator.ParseMethod(agg.RecommendMethod)
	if err != nil {
		return aggregator.Options{}, err
	}
	opts := aggregator.Options{
		Freshness:          agg.Freshness,
		MinSources:         agg.MinSources,
		Detectors:          detectors(agg),
		Resolver:           aggregator.Resolver{Method: method, Weights: agg.ProtocolWeights},
		CacheTTL:           agg.CacheTTL,
		StaleTTL:           agg.StaleTTL,
		Concurrency:        agg.Concurrency,
		DeviationThreshold: cfg.Alerting.DeviationThreshold,
		SevereThreshold:    cfg.Alerting.SevereThreshold,
		Retry: resilience.RetryConfig{
			Attempts:  agg.Retry.Attempts,
			BaseDelay: agg.Retry.BaseDelay,
			MaxDelay:  agg.Retry.MaxDelay,
			Jitter:    agg.Retry.Jitter,
		},
	}
	return opts, nil
}

func detectors(agg config.AggregationConfig) []aggregator.Detector {
	out := make([]aggregator.Detector, 0, len(agg.OutlierMethods))
	for _, m := range agg.OutlierMethods {
		switch strings.ToLower(m) {
		case "threshold":
			out = append(out, aggregator.Threshold{Ratio: agg.OutlierThreshold})
		case "iqr":
			out = append(out, aggregator.IQR{K: agg.IQRMultiplier, MinSamples: agg.IQRMinSamples})
		case "zscore":
			out = append(out, aggregator.ZScore{Limit: agg.ZScoreThreshold})
		}
	}
	return out
}

// seedInstances upserts configured instances so the sync engine can load them.
func (a *App) seedInstances(ctx context.Context, store *storage.Store) error {
	for _, inst := range a.Config.Sync.Instances {
		if err := store.UpsertInstance(ctx, inst.Model()); err != nil {
			return fmt.Errorf("seed instance %s: %w", inst.ID, err)
		}
	}
	return nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if err := a.seedInstances(ctx, c.store); err != nil {
		return err
	}

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		stop := a.serveMetrics(addr, c.registry)
		defer stop()
	}

	sched := scheduler.New(scheduler.Options{
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var collector service.Collector
	if c.collector != nil {
		collector = c.collector
	}
	svc := service.New(sched, c.store, c.guard, collector, c.aggregator, c.store, service.Options{
		SyncInterval:        a.Config.Scheduler.SyncInterval,
		CollectInterval:     a.Config.Scheduler.CollectInterval,
		AggregateInterval:   a.Config.Scheduler.AggregateInterval,
		Symbols:             a.Config.Aggregation.Symbols,
		Chain:               a.Config.Aggregation.Chain,
		LockKey:             a.Config.Scheduler.AdvisoryLockKey,
		InstanceConcurrency: a.Config.Sync.InstanceConcurrency,
	}, a.Logger)
	defer svc.Close()

	a.Logger.Info().Msg("starting oracle reconciliation service")
	err = svc.Run(ctx)
	c.guard.CancelAll()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle reconciliation service stopped")
	return nil
}

func (a *App) serveMetrics(addr string, reg *prometheus.Registry) func() {
	path := a.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Logger.Info().Str("addr", addr).Str("path", path).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema migrated")
	return nil
}

// ExportOptions hold parameters for exporting comparison history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
