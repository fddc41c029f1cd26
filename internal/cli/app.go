package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/p-blackswan/stagecoord/internal/adapter"
	"github.com/p-blackswan/stagecoord/internal/audit"
	"github.com/p-blackswan/stagecoord/internal/budget"
	"github.com/p-blackswan/stagecoord/internal/catalog"
	"github.com/p-blackswan/stagecoord/internal/config"
	"github.com/p-blackswan/stagecoord/internal/events"
	"github.com/p-blackswan/stagecoord/internal/executor"
	"github.com/p-blackswan/stagecoord/internal/health"
	"github.com/p-blackswan/stagecoord/internal/ledger"
	"github.com/p-blackswan/stagecoord/internal/lifecycle"
	"github.com/p-blackswan/stagecoord/internal/metrics"
	"github.com/p-blackswan/stagecoord/internal/planner"
	"github.com/p-blackswan/stagecoord/internal/scoring"
	"github.com/p-blackswan/stagecoord/internal/stage"
	"github.com/p-blackswan/stagecoord/internal/store"
	"github.com/p-blackswan/stagecoord/internal/sweeper"
	"github.com/p-blackswan/stagecoord/pkg/counterstore"
)

// maxDBSize marks the database degraded in readiness checks.
const maxDBSize = 4 << 30

// App is the fully wired coordinator.
type App struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Store       *store.Store
	Ledger      ledger.Ledger
	Budgets     *budget.Store
	Catalog     *catalog.Catalog
	Scorer      *scoring.Scorer
	Audit       *audit.Chain
	Assets      *lifecycle.Governor
	Planner     *planner.Planner
	Executor    *executor.Executor
	Coordinator *executor.Coordinator
	Sweeper     *sweeper.Sweeper
	Metrics     *metrics.Metrics
	Checker     *health.Checker
}

// NewLogger builds the root logger: JSON to out, or a console writer in
// development, at the configured global level.
func NewLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(out).With().Timestamp().Caller().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger
	return logger
}

// NewApp opens storage and wires every component. The caller owns Close.
func NewApp(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	dbPath := cfg.DBPath
	if !cfg.UseSQLite() {
		dbPath = ":memory:"
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.SetRetention(store.Retention{IdempotentResponses: cfg.IdempotencyTTL})

	a := &App{Config: cfg, Logger: logger, Store: st, Metrics: metrics.New()}
	if err := a.wire(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, logger := a.Config, a.Logger

	lcfg := ledger.Config{
		DefaultBalance: cfg.DefaultUserBalance,
		DailyLimit:     cfg.DailyCreditLimit,
		MaxActive:      cfg.SimultaneousJobLimit,
		TTL:            cfg.ReservationTTL,
	}
	var counters counterstore.Store
	if cfg.UseSQLite() {
		led, err := ledger.NewSQLite(a.Store.DB(), lcfg, logger)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		sc, err := counterstore.NewSQLiteStore(a.Store.DB())
		if err != nil {
			return fmt.Errorf("open counters: %w", err)
		}
		a.Ledger, counters = led, sc
	} else {
		a.Ledger, counters = ledger.NewMemory(lcfg, logger), counterstore.NewMemoryStore()
	}
	a.Budgets = budget.NewStore(counters, cfg.DefaultProjectBudget, logger)

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		loaded, err := catalog.Load(afero.NewOsFs(), cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		cat = loaded
	}
	a.Catalog = cat
	a.Scorer = scoring.NewScorer(scoring.DefaultWindow)
	a.Audit = audit.NewChain(a.Store, logger)
	a.Assets = lifecycle.NewGovernor(a.Store, logger)

	reg, err := a.adapters()
	if err != nil {
		return err
	}

	a.Planner = planner.New(cat, a.Scorer, a.Budgets, a.Store, planner.Config{
		SummaryChars: cfg.HistorySummaryChars,
		HistoryLimit: planner.DefaultConfig().HistoryLimit,
	}, logger)

	a.Executor = executor.New(a.Ledger, a.Budgets, reg, cat, a.Scorer, a.Audit, a.Assets, executor.Config{
		PremiumMinBalance: cfg.PremiumMinBalance,
		MaxActive:         cfg.SimultaneousJobLimit,
	}, logger)
	a.Executor.SetRecorder(a.Store)
	a.Executor.SetEmitter(a.emitter())
	a.Executor.SetMetrics(a.Metrics)

	a.Coordinator = executor.NewCoordinator(a.Planner, a.Executor, a.Store, executor.CoordinatorConfig{
		CacheSize: cfg.IdempotencyCacheSize,
		CacheTTL:  cfg.IdempotencyTTL,
	}, logger)
	a.Coordinator.SetMetrics(a.Metrics)

	a.Sweeper = sweeper.New(sweeper.Config{
		Interval:       cfg.SweepInterval,
		AssetColdAfter: cfg.AssetColdAfter,
	}, a.Ledger, a.Assets, a.Store, a.Metrics, logger)

	a.Checker = health.NewChecker(logger)
	a.Checker.Register("database", health.PingCheck(a.Store.DB()))
	a.Checker.Register("ledger", health.ProbeCheck(func(ctx context.Context) error {
		_, err := a.Ledger.TotalActiveReservations(ctx)
		return err
	}))
	if cfg.UseSQLite() {
		a.Checker.Register("database_size", health.SizeCheck(a.Store.DBSizeBytes, maxDBSize))
	}
	return nil
}

// adapters registers one adapter per capability: HTTP when an endpoint is
// configured for the capability or any of its catalog providers, simulated
// otherwise.
func (a *App) adapters() (*adapter.Registry, error) {
	endpoints, err := a.Config.AdapterEndpointMap()
	if err != nil {
		return nil, err
	}
	seen := make(map[stage.Capability]bool)
	var all []adapter.MediaAdapter
	for _, st := range stage.StageTypes {
		c, _ := st.Capability()
		if seen[c] {
			continue
		}
		seen[c] = true

		overrides := make(map[stage.Provider]string)
		specs := a.Catalog.Providers(c)
		if fb, ok := a.Catalog.Fallback(c); ok {
			specs = append(specs, fb)
		}
		for _, p := range specs {
			if p.Endpoint != "" {
				overrides[p.Name] = p.Endpoint
			}
		}

		if endpoints[c] == "" && len(overrides) == 0 {
			all = append(all, adapter.NewSimulated(c, nil))
			continue
		}
		all = append(all, adapter.NewHTTPAdapter(adapter.HTTPConfig{
			Capability:        c,
			Endpoint:          endpoints[c],
			ProviderEndpoints: overrides,
			Timeout:           a.Config.AdapterTimeout,
			APIKey:            a.Config.AdapterAPIKey,
		}))
		a.Logger.Info().Str("capability", string(c)).Str("endpoint", endpoints[c]).Int("provider_overrides", len(overrides)).Msg("HTTP adapter configured")
	}
	return adapter.NewRegistry(all...)
}

func (a *App) emitter() events.Emitter {
	emitters := events.Multi{events.NewLogEmitter(a.Logger)}
	if a.Config.EventWebhookURL != "" {
		emitters = append(emitters, events.NewWebhookEmitter(events.WebhookConfig{
			URL:    a.Config.EventWebhookURL,
			Secret: a.Config.EventWebhookSecret,
		}))
	}
	return emitters
}

// Close stops the sweeper and closes storage.
func (a *App) Close() error {
	a.Sweeper.Stop()
	return a.Store.Close()
}

func loadApp(opts *RootOptions, logOut io.Writer) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	app, err := NewApp(cfg, NewLogger(cfg, logOut))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "start coordinator", err)
	}
	return app, nil
}
