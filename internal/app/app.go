package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/alerting"
	"cambiowatch/internal/anomaly"
	"cambiowatch/internal/config"
	"cambiowatch/internal/consensus"
	"cambiowatch/internal/drift"
	"cambiowatch/internal/fetcher"
	"cambiowatch/internal/reliability"
	"cambiowatch/internal/scheduler"
	"cambiowatch/internal/service"
	"cambiowatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() *fetcher.Client {
	return fetcher.NewClient(a.Config.EnabledProviders(), nil, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath, a.Logger); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// buildService wires the capture pipeline around an optional store. Without a
// store the cycle still runs with equal weights and no persistence.
func (a *App) buildService(store *storage.Store, sched *scheduler.Scheduler, quoteFetcher service.QuoteFetcher, notifier alerting.Notifier) *service.Service {
	cfg := a.Config

	builder := consensus.NewBuilder(consensus.Options{
		DivergenceThreshold: cfg.Consensus.DivergenceThreshold,
	})
	detector := anomaly.NewDetector(anomaly.Options{
		ZThreshold:        cfg.Anomaly.ZThreshold,
		MinProviders:      cfg.Anomaly.MinProviders,
		CriticalDeviation: cfg.Anomaly.CriticalDeviation,
	}, a.Logger)
	monitor := drift.NewMonitor(drift.Options{
		EWMALambda:       cfg.Drift.EWMALambda,
		Threshold:        cfg.Drift.CusumThreshold,
		K:                cfg.Drift.CusumK,
		CooldownCaptures: cfg.Drift.CooldownCaptures,
	}, a.Logger)

	var weights service.WeightSource
	var aggregates service.AggregateSource
	var svcStore service.Store
	if store != nil {
		aggregator, calculator := a.newReliability(store)
		weights = calculator
		aggregates = aggregator
		svcStore = store
	}

	return service.New(cfg, sched, quoteFetcher, builder, detector, monitor, weights, aggregates, svcStore, notifier, a.Logger)
}

func (a *App) newReliability(store *storage.Store) (*reliability.Aggregator, *reliability.Calculator) {
	cfg := a.Config
	aggregator := reliability.NewAggregator(store, reliability.AggregatorOptions{
		SchedulerInterval: cfg.Scheduler.Interval,
	}, a.Logger)
	calculator := reliability.NewCalculator(aggregator, reliability.WeightOptions{
		Window:        cfg.Weights.Window,
		Alpha:         cfg.Weights.Alpha,
		Beta:          cfg.Weights.Beta,
		Gamma:         cfg.Weights.Gamma,
		Delta:         cfg.Weights.Delta,
		Floor:         cfg.Weights.Floor,
		LatencyCapMS:  cfg.Weights.LatencyCapMS,
		ErrorCap:      cfg.Weights.ErrorCap,
		BaselineScore: cfg.Weights.BaselineScore,
	}, a.Logger)
	return aggregator, calculator
}

// Run executes the long-running capture service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.buildService(store, sched, a.newFetcher(), a.newNotifier())

	a.Logger.Info().Msg("starting capture service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("capture service stopped")
	return nil
}

// Capture executes a single capture cycle and exits.
func (a *App) Capture(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; capture will not persist")
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := a.buildService(store, nil, a.newFetcher(), a.newNotifier())

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	return svc.ProcessBucket(ctx, bucket)
}

// ExportOptions hold parameters for exporting the consensus series.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Events bool
}

// ReliabilityOptions configure the reliability report.
type ReliabilityOptions struct {
	Window time.Duration
}

// ForecastOptions override the configured projection parameters.
type ForecastOptions struct {
	TradingUnits    float64
	TransactionCost float64
}
