package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-relay/internal/config"
	"trades-relay/internal/dispatch"
	"trades-relay/internal/idempotency"
	"trades-relay/internal/listener"
	"trades-relay/internal/monitor"
	"trades-relay/internal/platform"
	"trades-relay/internal/risk"
	"trades-relay/internal/signal"
	"trades-relay/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    atomic.Pointer[config.Config]
	snap   atomic.Pointer[dispatch.Snapshot]
	logger *zap.Logger
	store  *store.Store

	idem       idempotency.Store
	offsets    listener.OffsetStore
	monitor    *monitor.Service
	dispatcher *dispatch.Orchestrator
	listener   *listener.Listener
}

// New 创建 App 实例并完成组件装配。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if st == nil {
		return nil, errors.New("app: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{logger: logger, store: st}
	ctx := context.Background()

	switch cfg.Idempotency.Backend {
	case "memory":
		a.idem = idempotency.NewMemory()
		a.offsets = listener.NewMemoryOffsets()
	default:
		idem, err := idempotency.NewSQLite(ctx, st)
		if err != nil {
			return nil, err
		}
		offsets, err := listener.NewSQLiteOffsets(ctx, st)
		if err != nil {
			return nil, err
		}
		a.idem = idem
		a.offsets = offsets
	}

	mon, err := monitor.NewService(cfg.Monitor, st, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控失败: %w", err)
	}
	a.monitor = mon

	if err := a.Reload(cfg); err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatch.New(
		dispatch.OptionsFromConfig(cfg.Dispatch),
		a.idem,
		a.snap.Load,
		mon,
		logger.Named("dispatch"),
	)
	if err != nil {
		return nil, err
	}
	mon.BindQueue(cfg.Monitor.Namespace, a.dispatcher.QueueDepth, func() int { return len(a.dispatcher.Pending()) })

	loc, err := time.LoadLocation(cfg.Listener.Timezone)
	if err != nil {
		return nil, fmt.Errorf("加载时区失败: %w", err)
	}
	a.listener, err = listener.New(cfg.Listener, signal.NewParser(loc), a.dispatcher, a.offsets, mon, logger.Named("listener"))
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Reload 校验新配置并原子替换风控与平台快照，已在处理中的信号继续使用旧快照。
// 监听路径、工作池规模与数据库变更需要重启才能生效。
func (a *App) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	validator, err := risk.NewValidator(cfg)
	if err != nil {
		return fmt.Errorf("初始化风控失败: %w", err)
	}
	adapters, err := platform.Build(cfg.Platforms, a.logger.Named("platform"))
	if err != nil {
		return fmt.Errorf("初始化交易平台失败: %w", err)
	}
	retry := make(map[string]config.RetryConfig, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		retry[name] = p.Retry
	}

	if prev := a.cfg.Load(); prev != nil {
		if !slices.Equal(prev.Listener.Paths, cfg.Listener.Paths) || prev.Dispatch != cfg.Dispatch {
			a.logger.Warn("监听路径或工作池配置变更需重启后生效")
		}
	}

	a.snap.Store(&dispatch.Snapshot{Validator: validator, Adapters: adapters, Retry: retry})
	a.cfg.Store(cfg)
	a.logger.Info("配置已生效",
		zap.Int("strategies", len(cfg.Strategies)),
		zap.Int("platforms", len(adapters)),
	)
	return nil
}

// Config 返回当前生效的配置。
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// Monitor 返回监控服务。
func (a *App) Monitor() *monitor.Service {
	return a.monitor
}

// Dispatcher 返回投递编排器。
func (a *App) Dispatcher() *dispatch.Orchestrator {
	return a.dispatcher
}

// Run 启动监听、投递与监控，ctx 结束后按顺序停机。
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	a.logger.Info("信号中继已初始化",
		zap.String("environment", cfg.App.Environment),
		zap.Strings("paths", cfg.Listener.Paths),
		zap.String("idempotency_backend", cfg.Idempotency.Backend),
	)
	a.reportInFlight(ctx)

	a.dispatcher.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.listener.Run(gctx)
	})
	g.Go(func() error {
		a.evictLoop(gctx, cfg.Idempotency)
		return nil
	})
	if cfg.Monitor.Enabled {
		g.Go(func() error {
			return serveMonitor(gctx, a, cfg.Monitor.Port, a.logger.Named("http"))
		})
	}

	runErr := g.Wait()
	a.logger.Info("系统收到退出信号，正在停止")

	// 监听已退出，不会再有新信号进入队列
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownGrace)
	defer cancel()
	shutdownErr := a.dispatcher.Shutdown(graceCtx)

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := multierr.Combine(runErr, shutdownErr); err != nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}

// reportInFlight 提示上次停机时未完成的订单，这些订单不会被自动重新投递。
func (a *App) reportInFlight(ctx context.Context) {
	entries, err := a.idem.InFlight(ctx)
	if err != nil {
		a.logger.Warn("读取未完成订单失败", zap.Error(err))
		return
	}
	for _, e := range entries {
		a.logger.Warn("存在上次运行遗留的未完成订单，需要人工核查",
			zap.String("key", e.Key),
			zap.Time("reserved_at", e.ReservedAt),
		)
	}
}

func (a *App) evictLoop(ctx context.Context, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := a.idem.Evict(ctx, now, a.cfg.Load().Idempotency.Retention)
			if err != nil {
				a.logger.Warn("清理过期去重记录失败", zap.Error(err))
				a.monitor.RecordError("清理过期去重记录失败", err, nil)
				continue
			}
			if n > 0 {
				a.logger.Info("已清理过期去重记录", zap.Int("count", n))
			}
		}
	}
}
