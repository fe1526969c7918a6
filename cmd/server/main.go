package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"screener/internal/api"
	"screener/internal/broadcast"
	"screener/internal/config"
	"screener/internal/deviation"
	"screener/internal/events"
	"screener/internal/exchange"
	"screener/internal/ingest"
	"screener/internal/recorder"
	"screener/internal/scoring"
	"screener/internal/store"
	ws "screener/internal/websocket"
	"screener/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Окно сделок - сердце сервиса, всё остальное derived
	st := store.New(store.Config{
		Window:          cfg.Window.Duration,
		TradesPerSymbol: cfg.Window.TradesPerSymbol,
		SymbolCap:       cfg.Window.SymbolCap,
	}, 0)

	// Адаптеры бирж
	adapters := make(map[string]exchange.Adapter, len(cfg.Exchanges))
	for name := range cfg.Exchanges {
		adapter, err := exchange.NewAdapter(name, zlog)
		if err != nil {
			zlog.Fatalw("create adapter", "exchange", name, "error", err)
		}
		adapters[name] = adapter
	}

	orchestrator := ingest.NewOrchestrator(adapters, cfg.Exchanges, cfg.Streams, st, zlog)

	// Движки метрик и расхождений
	scorer := scoring.NewEngine(st, scoring.Config{
		Interval:   2 * time.Second,
		DetailTopK: cfg.Broadcast.DetailTopK,
	}, zlog)

	devEngine := deviation.NewEngine(st, deviation.Config{
		SweepInterval:     cfg.Deviation.SweepInterval,
		MinThresholdPct:   cfg.Deviation.MinThresholdPct,
		SignalsEnabled:    cfg.Signals.Enabled,
		EntryThresholdPct: cfg.Signals.EntryThresholdPct,
		ExitThresholdPct:  cfg.Signals.ExitThresholdPct,
		Cooldown:          cfg.Signals.Cooldown,
		Expiry:            cfg.Signals.Expiry,
	}, zlog)

	// Вытесненный из окна символ забывает и signal overlay
	st.SetOnSymbolRemoved(func(key events.SymbolKey) {
		devEngine.ForgetSymbol(key.Symbol)
	})

	devCh, sigCh := wireRecorder(ctx, cfg, devEngine, zlog)

	// WebSocket hub и агрегатор рассылки
	hub := ws.NewHub(zlog)
	go hub.Run()

	aggregator := broadcast.NewAggregator(st, broadcast.Config{
		AggregateInterval:  cfg.Broadcast.AggregateInterval,
		MetadataEveryTicks: cfg.Broadcast.MetadataEveryTicks,
		TopN:               cfg.Broadcast.TopN,
	}, hub, scorer.Snapshots(), devCh, sigCh, zlog)

	go orchestrator.Run(ctx)
	go scorer.Run(ctx)
	go devEngine.Run(ctx)
	go aggregator.Run(ctx)

	// HTTP сервер
	deps := &api.Dependencies{
		Hub:          hub,
		Orchestrator: orchestrator,
		Store:        st,
		Log:          zlog,
		StartedAt:    time.Now(),
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.SetupRoutes(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Infow("starting server", "addr", server.Addr, "exchanges", len(adapters))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatalw("server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down")
	cancel()

	// Даём воркерам дочитать каналы перед закрытием соединений
	time.Sleep(2 * time.Second)

	for name, adapter := range adapters {
		if err := adapter.Close(); err != nil {
			zlog.Warnw("close adapter", "exchange", name, "error", err)
		}
	}
	exchange.CloseGlobalClient()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Errorw("forced shutdown", "error", err)
	}

	zlog.Info("server exited")
}

// wireRecorder прокидывает каналы deviation engine в рассылку,
// при включённой БД дублируя их в Postgres recorder
func wireRecorder(
	ctx context.Context,
	cfg *config.Config,
	devEngine *deviation.Engine,
	zlog *zap.SugaredLogger,
) (<-chan []deviation.Deviation, <-chan deviation.Signal) {
	if !cfg.Database.Enabled {
		return devEngine.Deviations(), devEngine.Signals()
	}

	rec, err := recorder.Open(cfg.Database, zlog)
	if err != nil {
		// Audit trail опционален - при недоступной БД работаем без него
		zlog.Errorw("recorder disabled: database unavailable", "error", err)
		return devEngine.Deviations(), devEngine.Signals()
	}

	devOut := make(chan []deviation.Deviation, 16)
	sigOut := make(chan deviation.Signal, 64)
	devRec := make(chan []deviation.Deviation, 16)
	sigRec := make(chan deviation.Signal, 64)

	go rec.Run(ctx, devRec, sigRec)
	go func() {
		defer rec.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-devEngine.Deviations():
				forward(devOut, batch)
				forward(devRec, batch)
			case sig := <-devEngine.Signals():
				forward(sigOut, sig)
				forward(sigRec, sig)
			}
		}
	}()

	return devOut, sigOut
}

// forward шлёт значение non-blocking: отставший потребитель
// теряет батч, но не тормозит остальных
func forward[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}
