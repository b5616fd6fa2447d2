package market

import (
	"sort"
	"sync"

	"dca-trader/internal/model"
)

// DefaultCacheCap 每个 (symbol, interval) 桶最多保留的 K 线数量
const DefaultCacheCap = 1000

// CandleCache 按 (symbol, interval) 维护有界、按 OpenTime 升序、去重的 K 线缓存。
// 上游读循环是唯一写入方（热路径无锁竞争），下游回填服务并发读取。
type CandleCache struct {
	globalMu sync.RWMutex
	buckets  map[bucketKey]*candleBucket
	cap      int
}

type bucketKey struct {
	symbol   string
	interval string
}

type candleBucket struct {
	mu      sync.Mutex
	candles []model.Candle
}

// NewCandleCache 创建缓存，cap<=0 时使用 DefaultCacheCap
func NewCandleCache(capacity int) *CandleCache {
	if capacity <= 0 {
		capacity = DefaultCacheCap
	}
	return &CandleCache{
		buckets: make(map[bucketKey]*candleBucket),
		cap:     capacity,
	}
}

func (c *CandleCache) bucket(symbol, interval string) *candleBucket {
	key := bucketKey{symbol, interval}

	c.globalMu.RLock()
	b, ok := c.buckets[key]
	c.globalMu.RUnlock()
	if ok {
		return b
	}

	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	if b, ok = c.buckets[key]; !ok {
		b = &candleBucket{}
		c.buckets[key] = b
	}
	return b
}

// Upsert 插入或覆盖一根 K 线。
// 以 OpenTime 为去重键：已存在则覆盖（形成中的 K 线会被反复推送），
// 不存在则插入并保持升序，乱序到达也能落到正确位置。
// 定稿 (IsFinal=true) 的 K 线不会被后到的未定稿数据降级覆盖。
func (c *CandleCache) Upsert(symbol, interval string, candle model.Candle) {
	b := c.bucket(symbol, interval)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.candles)
	idx := sort.Search(n, func(i int) bool {
		return b.candles[i].OpenTime >= candle.OpenTime
	})

	if idx < n && b.candles[idx].OpenTime == candle.OpenTime {
		if b.candles[idx].IsFinal && !candle.IsFinal {
			return
		}
		b.candles[idx] = candle
		return
	}

	// 快路径：追加到末尾
	if idx == n {
		b.candles = append(b.candles, candle)
	} else {
		b.candles = append(b.candles, model.Candle{})
		copy(b.candles[idx+1:], b.candles[idx:])
		b.candles[idx] = candle
	}

	// 超出容量时丢弃最旧的
	if len(b.candles) > c.cap {
		over := len(b.candles) - c.cap
		b.candles = append(b.candles[:0], b.candles[over:]...)
	}
}

// Get 返回最近 limit 根 K 线的副本（升序）。limit<=0 返回全部。
func (c *CandleCache) Get(symbol, interval string, limit int) []model.Candle {
	c.globalMu.RLock()
	b, ok := c.buckets[bucketKey{symbol, interval}]
	c.globalMu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.candles)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Candle, limit)
	copy(out, b.candles[n-limit:])
	return out
}

// Len 返回某个桶当前缓存的 K 线数量
func (c *CandleCache) Len(symbol, interval string) int {
	c.globalMu.RLock()
	b, ok := c.buckets[bucketKey{symbol, interval}]
	c.globalMu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.candles)
}
