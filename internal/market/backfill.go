package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dca-trader/internal/model"
	"dca-trader/internal/service"

	"go.uber.org/zap"
)

// klineFetcher 抽象 REST K 线来源，测试时注入假实现
type klineFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
}

// Backfill 负责历史 K 线回填：优先用实时缓存，低于阈值时补一次 REST，
// REST 结果按 (账户, symbol, interval) 缓存一个 TTL，限制重复拉取。
// REST 调用在热路径之外执行（只有下游显式请求历史时才触发）。
type Backfill struct {
	resolver *EndpointResolver
	live     func(exchangeID string) *CandleCache // 每个账户一条上游连接，各自一份实时缓存
	cfg      service.BackfillConfig
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]klineFetcher // restURL -> client
	results map[restCacheKey]restCacheEntry
	now     func() time.Time

	// newFetcher 创建 REST 客户端，测试可替换
	newFetcher func(baseURL string, timeout time.Duration) klineFetcher
}

type restCacheKey struct {
	exchangeID string
	symbol     string
	interval   string
}

type restCacheEntry struct {
	candles   []model.Candle
	fetchedAt time.Time
}

// NewBackfill 创建回填服务。live 按账户返回对应的实时缓存，未知账户返回 nil。
func NewBackfill(resolver *EndpointResolver, live func(exchangeID string) *CandleCache, cfg service.BackfillConfig, logger *zap.Logger) *Backfill {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.MinCached <= 0 {
		cfg.MinCached = 50
	}
	return &Backfill{
		resolver: resolver,
		live:     live,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "backfill")),
		clients:  make(map[string]klineFetcher),
		results:  make(map[restCacheKey]restCacheEntry),
		now:      time.Now,
		newFetcher: func(baseURL string, timeout time.Duration) klineFetcher {
			return NewKlineClient(baseURL, timeout)
		},
	}
}

// GetHistory 返回最近 limit 根 K 线，升序、按 openTime 去重。
// 实时缓存足够时不触发 REST；两边都为空时返回 ErrBackfillUnavailable。
func (b *Backfill) GetHistory(ctx context.Context, exchangeID, symbol, interval string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = DefaultCacheCap
	}

	var liveCandles []model.Candle
	if cache := b.live(exchangeID); cache != nil {
		liveCandles = cache.Get(symbol, interval, limit)
	}
	if len(liveCandles) >= b.cfg.MinCached {
		return liveCandles, nil
	}

	restCandles, err := b.fetchCached(ctx, exchangeID, symbol, interval, limit)
	if err != nil {
		b.logger.Warn("REST backfill failed, falling back to live cache",
			zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
	}

	merged := MergeCandles(restCandles, liveCandles)
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: %s %s", model.ErrBackfillUnavailable, symbol, interval)
	}
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

// fetchCached 带 TTL 缓存的 REST 拉取
func (b *Backfill) fetchCached(ctx context.Context, exchangeID, symbol, interval string, limit int) ([]model.Candle, error) {
	key := restCacheKey{exchangeID, symbol, interval}

	b.mu.Lock()
	if entry, ok := b.results[key]; ok && b.now().Sub(entry.fetchedAt) < b.cfg.CacheTTL {
		b.mu.Unlock()
		return entry.candles, nil
	}
	b.mu.Unlock()

	eps, err := b.resolver.Resolve(exchangeID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	client, ok := b.clients[eps.RESTURL]
	if !ok {
		client = b.newFetcher(eps.RESTURL, b.cfg.Timeout)
		b.clients[eps.RESTURL] = client
	}
	b.mu.Unlock()

	candles, err := client.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.results[key] = restCacheEntry{candles: candles, fetchedAt: b.now()}
	b.mu.Unlock()
	return candles, nil
}

// MergeCandles 合并 REST 和实时两个有序序列，按 openTime 去重：
// 已定稿的 K 线以 REST 为准，形成中的那根以实时流为准。
func MergeCandles(rest, live []model.Candle) []model.Candle {
	byOpen := make(map[int64]model.Candle, len(rest)+len(live))
	for _, c := range rest {
		byOpen[c.OpenTime] = c
	}
	for _, c := range live {
		prev, exists := byOpen[c.OpenTime]
		if !exists {
			byOpen[c.OpenTime] = c
			continue
		}
		// 形成中的实时 K 线覆盖 REST 的同周期数据；两边都定稿时保留 REST
		if !c.IsFinal || !prev.IsFinal {
			byOpen[c.OpenTime] = c
		}
	}

	out := make([]model.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}
