package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"crypto-screener/internal/api"
	"crypto-screener/internal/filter"
	"crypto-screener/internal/model"
	"crypto-screener/internal/screener"
	"crypto-screener/internal/service"
	"crypto-screener/internal/store"
)

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	// 1. 共享行情存储：容量和周期在此一次性固定
	marketStore := store.NewMarketStore(
		cfg.Screener.MaxSymbols,
		cfg.Screener.KlineCapacity,
		cfg.Exchange.Intervals,
		cfg.Screener.TickerMinInterval,
	)

	// 预注册配置中的符号，让容量配置错误在启动时就暴露
	for _, sym := range cfg.Exchange.Symbols {
		if _, err := marketStore.ResolveIndex(sym); err != nil {
			service.Logger.Fatal("Symbol capacity exceeded at startup", zap.Error(err))
		}
	}

	// 2. 过滤器注册表：本地 yaegi 编译器 + 远程执行客户端
	compiler := filter.NewGoCompiler(cfg.Screener.FilterTimeout)
	remote := filter.NewRemoteExecutor(cfg.Screener.FilterTimeout)
	registry := filter.NewRegistry(compiler, remote, cfg.Screener.MaxCompiledFilters)

	// 3. 筛选引擎：结果、错误、遥测全部走结构化日志输出
	engine, err := screener.NewEngine(cfg.Screener, marketStore, registry, screener.Sinks{
		OnResult: func(d model.ResultDelta) {
			service.Logger.Info("Screen result",
				zap.String("trader_id", d.TraderID),
				zap.Strings("added", d.Added),
				zap.Strings("removed", d.Removed),
				zap.Int("signals", len(d.Signals)),
				zap.Bool("is_delta", d.IsDelta),
				zap.Uint64("cycle", d.Cycle))
			for _, sig := range d.Signals {
				service.Logger.Info("!!! NEW SIGNAL !!!",
					zap.String("id", sig.ID),
					zap.String("trader_id", sig.TraderID),
					zap.String("symbol", sig.Symbol),
					zap.Float64("price", sig.Price))
			}
		},
		OnError: func(e model.ErrorEvent) {
			service.Logger.Warn("Screening error",
				zap.String("context", e.Context),
				zap.String("trader_id", e.TraderID),
				zap.String("symbol", e.Symbol),
				zap.String("message", e.Message),
				zap.Int("errors_per_min", e.ErrorCount))
		},
		OnMemoryStats: func(m model.MemoryStats) {
			service.Logger.Debug("Memory stats",
				zap.Int("trader_states", m.TraderStates),
				zap.Int("compiled_filters", m.CompiledFilters),
				zap.Int64("cache_evictions", m.CacheEvictions),
				zap.Int64("heap_estimate", m.HeapEstimate))
		},
	})
	if err != nil {
		service.Logger.Fatal("Failed to create engine", zap.Error(err))
	}

	// 4. 预载配置中的 trader；单个编译失败不阻止启动
	for traderID, tc := range cfg.Traders {
		err := engine.AddTrader(model.TraderFilter{
			TraderID:        traderID,
			FilterCode:      tc.Filter,
			Timeframes:      tc.Timeframes,
			RefreshInterval: tc.RefreshInterval,
			Language:        tc.Language,
			RemoteEndpoint:  tc.RemoteEndpoint,
			Enabled:         tc.Enabled,
		})
		if err != nil {
			service.Logger.Error("Trader filter failed to compile, registered inert",
				zap.String("trader_id", traderID), zap.Error(err))
		}
	}

	// 5. 启动行情连接器和评估循环
	ctx, cancel := context.WithCancel(context.Background())
	connector := api.NewConnector(cfg.Exchange.WSURL, cfg.Exchange.Symbols, cfg.Exchange.Intervals, marketStore)
	go connector.Start(ctx)

	if err := engine.Start(); err != nil {
		service.Logger.Fatal("Failed to start engine", zap.Error(err))
	}

	// 6. 优雅关停：SIGINT/SIGTERM 后给引擎 10 秒完成在途周期
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	service.Logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		service.Logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	service.Logger.Info("Screener stopped")
}
