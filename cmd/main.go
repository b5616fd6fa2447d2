package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"dca-trader/internal/bot"
	"dca-trader/internal/exchange"
	"dca-trader/internal/market"
	"dca-trader/internal/model"
	"dca-trader/internal/server"
	"dca-trader/internal/service"
	"dca-trader/internal/storage"

	"go.uber.org/zap"
)

func main() {
	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	service.InitLogger(cfg.Log)
	defer service.Logger.Sync()
	logger := service.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 周期持久化
	db, err := storage.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	store := storage.NewCycleStore(db)

	// 端点解析与每账户一套 缓存 + 注册表 + 复用器
	resolver := market.NewEndpointResolver(
		&market.ConfigEndpointSource{Exchanges: cfg.Exchanges}, cfg.Endpoints.CacheTTL)

	caches := make(map[string]*market.CandleCache, len(cfg.Exchanges))
	muxes := make(map[string]*market.Multiplexer, len(cfg.Exchanges))
	defaultExchange := ""
	for id := range cfg.Exchanges {
		cache := market.NewCandleCache(market.DefaultCacheCap)
		caches[id] = cache
		muxes[id] = market.NewMultiplexer(id, resolver, market.NewRegistry(), cache,
			market.GorillaDialer, logger)
		if defaultExchange == "" || id < defaultExchange {
			defaultExchange = id
		}
	}
	if len(muxes) == 0 {
		logger.Fatal("No exchanges configured")
	}

	backfill := market.NewBackfill(resolver,
		func(exchangeID string) *market.CandleCache { return caches[exchangeID] },
		cfg.Backfill, logger)

	// 模拟盘执行器：订阅全部 Bot 的 symbol 行情驱动本地撮合
	trader := exchange.NewPaperTrader(exchange.PaperConfig{
		InitialBalance: cfg.Paper.InitialBalance,
		FeeRate:        cfg.Paper.FeeRate,
	}, logger)

	symbolsByExchange := make(map[string][]string)
	for _, botCfg := range cfg.Bots {
		exchangeID := botCfg.ExchangeID
		if exchangeID == "" {
			exchangeID = defaultExchange
		}
		symbolsByExchange[exchangeID] = append(symbolsByExchange[exchangeID], botCfg.Symbol)
	}
	for exchangeID, symbols := range symbolsByExchange {
		mux, ok := muxes[exchangeID]
		if !ok {
			logger.Fatal("Bot references unknown exchange", zap.String("exchange", exchangeID))
		}
		ticks := make(chan model.Tick, 256)
		mux.Registry().Register("paper:"+exchangeID, ticks)
		if err := mux.SubscribeTickers("paper:"+exchangeID, symbols); err != nil {
			logger.Fatal("Failed to subscribe paper trader feed", zap.Error(err))
		}
		go trader.Run(ctx, ticks)
	}

	// 成交回报按 ClientOrderID 前缀路由到各 Bot 引擎
	router := bot.NewFillRouter(logger)
	go router.Run(ctx, trader.Fills())

	for id, botCfg := range cfg.Bots {
		exchangeID := botCfg.ExchangeID
		if exchangeID == "" {
			exchangeID = defaultExchange
			botCfg.ExchangeID = exchangeID
		}
		mux := muxes[exchangeID]

		engine := bot.NewEngine(botCfg, trader, store, logger)
		router.Register(id, engine.FillChan())

		ticks := make(chan model.Tick, 256)
		sessionID := "bot:" + id
		mux.Registry().Register(sessionID, ticks)
		if err := mux.SubscribeTickers(sessionID, []string{botCfg.Symbol}); err != nil {
			logger.Fatal("Failed to subscribe bot feed",
				zap.String("bot", id), zap.Error(err))
		}

		go engine.Run(ctx, ticks)
		engine.Start()
		logger.Info("Bot launched", zap.String("bot", id),
			zap.String("exchange", exchangeID), zap.String("symbol", botCfg.Symbol))
	}

	// 下游 WebSocket 服务
	srv := server.New(cfg.Server.Addr, muxes, defaultExchange, backfill, trader, logger)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("HTTP server exited", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()
}
