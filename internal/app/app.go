package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/NasaVasa/shardalerts/internal/delivery/telegram"
	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/NasaVasa/shardalerts/internal/infra/bus"
	"github.com/NasaVasa/shardalerts/internal/infra/db"
	"github.com/NasaVasa/shardalerts/internal/infra/log"
	"github.com/NasaVasa/shardalerts/internal/infra/shardstore"
	"github.com/NasaVasa/shardalerts/internal/sharding"
	"github.com/NasaVasa/shardalerts/internal/usecase"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	db         *gorm.DB
	bus        domain.MessageBus
	shards     *usecase.ShardManager
	relay      *usecase.Relay
	reconciler *usecase.Reconciler
	hydrator   *usecase.Hydrator
	alerts     *usecase.AlertUsecase
	triggers   *usecase.TriggerHandler
	notifier   *telegram.Notifier
	bot        *telegram.Bot
	subs       []domain.Subscription
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := log.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return NewWithLogger(ctx, cfg, logger)
}

// NewWithLogger builds every component without starting any of them. On
// failure the resources opened so far are released.
func NewWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.db, err = db.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.bus, err = OpenBus(cfg, logger)
	if err != nil {
		return nil, err
	}

	alertRepo := db.NewAlertRepository(a.db, logger)
	outboxRepo := db.NewOutboxRepository(a.db, logger)
	historyRepo := db.NewTriggerHistoryRepository(a.db)

	ring := sharding.NewRing(cfg.VirtualNodesPerShard, logger)
	matcher := usecase.NewMatcher(a.bus, logger)
	a.shards = usecase.NewShardManager(ring, a.bus, matcher, cfg.WorkQueueSize, logger)
	openStore := func(shard string) (domain.ShardStore, error) {
		return shardstore.Open(cfg.ShardStoreDir, shard, logger)
	}
	if err = a.shards.Build(ctx, cfg.Symbols, cfg.Shards, openStore); err != nil {
		return nil, fmt.Errorf("build shards: %w", err)
	}

	a.relay = usecase.NewRelay(outboxRepo, a.bus, cfg.RelayBatchSize, logger)
	a.reconciler = usecase.NewReconciler(alertRepo, a.shards, cfg.ReconcilePageSize, logger)
	a.hydrator = usecase.NewHydrator(alertRepo, a.shards, logger)
	a.alerts = usecase.NewAlertUsecase(alertRepo, cfg.Symbols, logger)
	a.triggers = usecase.NewTriggerHandler(historyRepo, a.alerts, logger)

	if cfg.TelegramBotToken != "" {
		api, apiErr := telegram.NewAPI(cfg.TelegramBotToken)
		if apiErr != nil {
			return nil, fmt.Errorf("connect telegram: %w", apiErr)
		}
		a.notifier = telegram.NewNotifier(api, cfg.TelegramChatID, logger)
		a.bot = telegram.NewBot(api, telegram.NewHandlers(a.alerts, a.triggers, logger), cfg.TelegramPollTimeout)
	}
	return a, nil
}

// OpenBus connects the message bus selected by BUS_DRIVER.
func OpenBus(cfg config.Config, logger *zap.Logger) (domain.MessageBus, error) {
	switch cfg.BusDriver {
	case config.BusDriverMemory:
		return bus.NewMemory(cfg.WorkQueueSize, cfg.NATS.MaxDeliver, logger), nil
	default:
		natsBus, err := bus.NewNATS(cfg.NATS, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return natsBus, nil
	}
}

func (a *App) Alerts() *usecase.AlertUsecase { return a.alerts }

func (a *App) Triggers() *usecase.TriggerHandler { return a.triggers }

func (a *App) Shards() *usecase.ShardManager { return a.shards }

func (a *App) Bus() domain.MessageBus { return a.bus }

// Run hydrates empty shard stores, starts the shard consumers and then drives
// the outbox relay and the reconciliation sweeper until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("shardalerts service starting",
		zap.Strings("symbols", a.cfg.Symbols),
		zap.Strings("shards", a.cfg.ShardNames()),
		zap.String("bus", a.cfg.BusDriver),
	)

	if err := a.hydrator.Run(ctx); err != nil {
		a.logger.Warn("hydration incomplete, relying on propagation and reconciliation", zap.Error(err))
	}
	if err := a.shards.Start(ctx); err != nil {
		return fmt.Errorf("start shards: %w", err)
	}

	sub, err := a.bus.Subscribe(ctx, []string{domain.SubjectTriggered}, "history", a.triggers.Handle)
	if err != nil {
		return fmt.Errorf("subscribe trigger history: %w", err)
	}
	a.subs = append(a.subs, sub)
	if a.notifier != nil {
		sub, err := a.bus.Subscribe(ctx, []string{domain.SubjectTriggered}, "notify", a.notifier.Handle)
		if err != nil {
			return fmt.Errorf("subscribe notifier: %w", err)
		}
		a.subs = append(a.subs, sub)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.relay.Run(ctx, a.cfg.RelayInterval) })
	group.Go(func() error { return a.reconciler.Run(ctx, a.cfg.ReconcileInterval) })
	if a.bot != nil {
		group.Go(func() error { return a.bot.Start(ctx) })
	}

	a.logger.Info("shardalerts service started")
	return group.Wait()
}

func (a *App) Shutdown() {
	a.logger.Info("shardalerts service shutting down")
	a.release()
	_ = a.logger.Sync()
}

func (a *App) release() {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	a.subs = nil

	var errs []error
	if a.shards != nil {
		a.shards.Stop()
		errs = append(errs, a.shards.CloseStores())
		a.shards = nil
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
		a.bus = nil
	}
	if a.db != nil {
		errs = append(errs, db.Close(a.db))
		a.db = nil
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown completed with errors", zap.Error(err))
	}
}
