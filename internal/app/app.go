// Package app wires the voicequeue components together and owns their lifecycle.
package app

// ============================================================================
// 啟動順序
//   metrics → cache → language tables → llm → breakers → processor
//   → controller → history store/recorder → hub → gateway service
//   → HTTP gateway / gRPC health / metrics listener
//
// 關閉順序相反：先停止接收請求，再讓佇列收尾（結果仍會寫入歷史），
// 最後關閉歷史與快取。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/voicequeue/internal/breaker"
	"github.com/ChuLiYu/voicequeue/internal/broadcast"
	"github.com/ChuLiYu/voicequeue/internal/cache"
	"github.com/ChuLiYu/voicequeue/internal/config"
	"github.com/ChuLiYu/voicequeue/internal/controller"
	"github.com/ChuLiYu/voicequeue/internal/gateway"
	"github.com/ChuLiYu/voicequeue/internal/history"
	"github.com/ChuLiYu/voicequeue/internal/llm"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/internal/processor"
	"github.com/ChuLiYu/voicequeue/internal/server"
)

type App struct {
	cfg *config.Config
	log *zap.Logger

	Metrics    *metrics.Collector
	Cache      *cache.MemoryCache
	Languages  *processor.Languages
	Breakers   *breaker.Registry
	Processor  *processor.Processor
	Controller *controller.Controller
	Store      *history.SQLiteStore
	Recorder   *history.Recorder
	Hub        *broadcast.Hub
	Service    *gateway.Service

	http       *gateway.Server
	grpc       *server.Server // nil when grpc.port is 0
	metricsSrv *http.Server   // nil when metrics.port is 0

	watchCancel  context.CancelFunc
	startOnce    sync.Once
	shutdownOnce sync.Once
}

// New builds every component without starting any goroutine.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, log: logger}

	a.Metrics = metrics.NewCollector(nil)
	a.Cache = cache.NewMemoryCache(cache.WithMaxEntries(cfg.Cache.MaxEntries))

	langs, err := processor.NewLanguages(cfg.Processor.LanguagesFile, logger.Named("languages"))
	if err != nil {
		return nil, fmt.Errorf("failed to load language tables: %w", err)
	}
	a.Languages = langs

	model, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.LLM.Provider, err)
	}

	a.Breakers = breaker.NewRegistry(cfg.Breaker, time.Now)
	a.Breakers.OnStateChange(func(name string, from, to breaker.State) {
		a.Metrics.SetBreakerState(name, int(to))
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	a.Processor = processor.New(cfg.ProcessorConfig(), model, a.Breakers, a.Cache, langs, a.Metrics, logger)
	a.Controller = controller.New(cfg.Queue, a.Processor, a.Metrics, logger)

	a.Store, err = history.Open(cfg.History.Path, a.Cache, logger)
	if err != nil {
		return nil, err
	}
	a.Recorder = history.NewRecorder(a.Store, cfg.History.RecorderBuffer, a.Metrics, logger)

	a.Hub = broadcast.NewHub(a.Metrics, logger)
	a.Service = gateway.NewService(a.Controller, a.Processor, a.Recorder, a.Hub, a.Metrics, logger)
	if err := a.Controller.SetObserver(a.Service); err != nil {
		a.closeStorage()
		return nil, err
	}

	a.http = gateway.NewServer(cfg.Server, gateway.Deps{
		Service:   a.Service,
		Languages: a.Processor,
		History:   a.Store,
		Hub:       a.Hub,
		Breakers:  a.Breakers,
		Queue:     a.Controller,
		Metrics:   a.Metrics,
		Logger:    logger,
	})

	if cfg.GRPC.Port > 0 {
		a.grpc = server.NewServer(cfg.GRPC, a.Breakers, processor.BreakerName, logger)
	}
	if cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		a.metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// Handler is the HTTP gateway router.
func (a *App) Handler() http.Handler { return a.http.Handler() }

// Start launches the queue and the background maintenance; it does not listen.
func (a *App) Start() error {
	var err error
	a.startOnce.Do(func() {
		if err = a.Controller.Start(); err != nil {
			err = fmt.Errorf("failed to start controller: %w", err)
			return
		}
		if a.grpc != nil {
			a.grpc.SetQueueServing(true)
		}
		a.Cache.Start(a.cfg.Cache.SweepInterval)

		var watchCtx context.Context
		watchCtx, a.watchCancel = context.WithCancel(context.Background())
		if werr := a.Languages.Watch(watchCtx); werr != nil {
			a.log.Warn("language tables hot reload disabled", zap.Error(werr))
		}
		a.log.Info("voicequeue started",
			zap.String("llm_provider", a.cfg.LLM.Provider),
			zap.String("history", a.cfg.History.Path))
	})
	return err
}

// Run starts everything and serves until ctx is cancelled or a listener fails,
// then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		a.Shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.http.Start(fmt.Sprintf(":%d", a.cfg.Server.Port))
	})
	if a.grpc != nil {
		g.Go(a.grpc.ListenAndServe)
	}
	if a.metricsSrv != nil {
		g.Go(func() error {
			a.log.Info("metrics listening", zap.String("addr", a.metricsSrv.Addr))
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if a.cfg.History.CleanupInterval > 0 {
		g.Go(func() error {
			a.cleanupLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Shutdown()
		return nil
	})
	return g.Wait()
}

func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.History.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Store.CleanupOlderThan(ctx, a.cfg.History.RetentionDays)
			if err != nil {
				a.log.Warn("history cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.log.Info("history cleanup", zap.Int64("deleted", n),
					zap.Int("retention_days", a.cfg.History.RetentionDays))
			}
		}
	}
}

// Shutdown stops every component in reverse dependency order. Safe to call repeatedly.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := a.http.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", zap.Error(err))
		}
		if a.grpc != nil {
			a.grpc.SetQueueServing(false)
		}
		a.Controller.Stop()
		if a.watchCancel != nil {
			a.watchCancel()
		}
		a.closeStorage()
		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(ctx); err != nil {
				a.log.Warn("metrics shutdown", zap.Error(err))
			}
		}
		if a.grpc != nil {
			a.grpc.Stop()
		}
		_ = a.log.Sync()
	})
}

func (a *App) closeStorage() {
	a.Recorder.Close()
	if err := a.Store.Close(); err != nil {
		a.log.Warn("history close", zap.Error(err))
	}
	_ = a.Cache.Close()
}
