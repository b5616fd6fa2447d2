package market

import (
	"math/rand"
	"sort"
	"testing"

	"dca-trader/internal/model"
)

func candleAt(openTime int64, closePrice float64, final bool) model.Candle {
	return model.Candle{
		OpenTime:  openTime,
		Open:      closePrice,
		High:      closePrice,
		Low:       closePrice,
		Close:     closePrice,
		CloseTime: openTime + 59_999,
		IsFinal:   final,
	}
}

func TestCandleCacheSortedUnderOutOfOrderDelivery(t *testing.T) {
	cache := NewCandleCache(DefaultCacheCap)

	times := make([]int64, 0, 200)
	for i := 0; i < 200; i++ {
		times = append(times, int64(i)*60_000)
	}
	rand.New(rand.NewSource(42)).Shuffle(len(times), func(i, j int) {
		times[i], times[j] = times[j], times[i]
	})

	for _, ts := range times {
		cache.Upsert("BTCUSDT", "1m", candleAt(ts, 100, true))
	}

	got := cache.Get("BTCUSDT", "1m", 0)
	if len(got) != 200 {
		t.Fatalf("expected 200 candles, got %d", len(got))
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].OpenTime < got[j].OpenTime }) {
		t.Error("candles not sorted by openTime after out-of-order delivery")
	}
}

func TestCandleCacheDeduplicatesByOpenTime(t *testing.T) {
	cache := NewCandleCache(DefaultCacheCap)

	cache.Upsert("BTCUSDT", "1m", candleAt(60_000, 100, false))
	cache.Upsert("BTCUSDT", "1m", candleAt(60_000, 101, false))
	cache.Upsert("BTCUSDT", "1m", candleAt(60_000, 102, true))

	got := cache.Get("BTCUSDT", "1m", 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 candle after duplicate updates, got %d", len(got))
	}
	if got[0].Close != 102 || !got[0].IsFinal {
		t.Errorf("expected final candle with close 102, got close=%v final=%v", got[0].Close, got[0].IsFinal)
	}
}

func TestCandleCacheFinalNotDowngraded(t *testing.T) {
	cache := NewCandleCache(DefaultCacheCap)

	cache.Upsert("BTCUSDT", "1m", candleAt(60_000, 100, true))
	// a late forming update for the same window must not overwrite the final candle
	cache.Upsert("BTCUSDT", "1m", candleAt(60_000, 50, false))

	got := cache.Get("BTCUSDT", "1m", 0)
	if len(got) != 1 || got[0].Close != 100 || !got[0].IsFinal {
		t.Fatalf("final candle was downgraded: %+v", got)
	}
}

func TestCandleCacheEvictsOldestAtCapacity(t *testing.T) {
	cache := NewCandleCache(DefaultCacheCap)

	for i := 0; i < DefaultCacheCap+100; i++ {
		cache.Upsert("ETHUSDT", "1m", candleAt(int64(i)*60_000, 100, true))
	}

	if n := cache.Len("ETHUSDT", "1m"); n != DefaultCacheCap {
		t.Fatalf("expected cache capped at %d, got %d", DefaultCacheCap, n)
	}
	got := cache.Get("ETHUSDT", "1m", 0)
	if got[0].OpenTime != 100*60_000 {
		t.Errorf("expected oldest candles evicted, first openTime=%d", got[0].OpenTime)
	}
	if got[len(got)-1].OpenTime != int64(DefaultCacheCap+99)*60_000 {
		t.Errorf("expected newest candle retained, last openTime=%d", got[len(got)-1].OpenTime)
	}
}

func TestCandleCacheBucketsAreIndependent(t *testing.T) {
	cache := NewCandleCache(DefaultCacheCap)

	cache.Upsert("BTCUSDT", "1m", candleAt(0, 100, true))
	cache.Upsert("BTCUSDT", "5m", candleAt(0, 200, true))

	if n := cache.Len("BTCUSDT", "1m"); n != 1 {
		t.Errorf("1m bucket: expected 1 candle, got %d", n)
	}
	got := cache.Get("BTCUSDT", "5m", 0)
	if len(got) != 1 || got[0].Close != 200 {
		t.Errorf("5m bucket polluted by 1m data: %+v", got)
	}
}
