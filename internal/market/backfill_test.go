package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"dca-trader/internal/model"
	"dca-trader/internal/service"

	"go.uber.org/zap"
)

type fakeFetcher struct {
	calls   int
	candles []model.Candle
	err     error
}

func (f *fakeFetcher) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	f.calls++
	return f.candles, f.err
}

func newTestBackfill(t *testing.T, live *CandleCache, fetcher *fakeFetcher) (*Backfill, *time.Time) {
	t.Helper()
	resolver := NewEndpointResolver(&ConfigEndpointSource{
		Exchanges: map[string]service.ExchangeConfig{
			"binance-main": {WSURL: "wss://example/ws", RESTURL: "https://example"},
		},
	}, time.Minute)

	b := NewBackfill(resolver,
		func(exchangeID string) *CandleCache { return live },
		service.BackfillConfig{CacheTTL: time.Minute, MinCached: 50}, zap.NewNop())
	b.newFetcher = func(baseURL string, timeout time.Duration) klineFetcher { return fetcher }

	clock := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func restCandles(n int) []model.Candle {
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candleAt(int64(i)*60_000, 100+float64(i), true))
	}
	return out
}

func TestBackfillServesFromLiveCacheWithoutREST(t *testing.T) {
	live := NewCandleCache(DefaultCacheCap)
	for i := 0; i < 60; i++ {
		live.Upsert("BTCUSDT", "1m", candleAt(int64(i)*60_000, 100, true))
	}
	fetcher := &fakeFetcher{}
	b, _ := newTestBackfill(t, live, fetcher)

	got, err := b.GetHistory(context.Background(), "binance-main", "BTCUSDT", "1m", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 60 {
		t.Fatalf("expected 60 candles from live cache, got %d", len(got))
	}
	if fetcher.calls != 0 {
		t.Errorf("live cache above threshold must not trigger REST, got %d calls", fetcher.calls)
	}
}

func TestBackfillRESTCachedWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{candles: restCandles(100)}
	b, clock := newTestBackfill(t, NewCandleCache(DefaultCacheCap), fetcher)

	ctx := context.Background()
	if _, err := b.GetHistory(ctx, "binance-main", "BTCUSDT", "1m", 100); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := b.GetHistory(ctx, "binance-main", "BTCUSDT", "1m", 100); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("re-request within TTL must not issue a second REST call, got %d", fetcher.calls)
	}

	// after TTL expiry the next request fetches again
	*clock = clock.Add(2 * time.Minute)
	if _, err := b.GetHistory(ctx, "binance-main", "BTCUSDT", "1m", 100); err != nil {
		t.Fatalf("post-expiry request: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected a fresh REST call after TTL expiry, got %d", fetcher.calls)
	}
}

func TestBackfillMergePrefersLiveForFormingCandle(t *testing.T) {
	live := NewCandleCache(DefaultCacheCap)
	// live holds a fresher forming candle for the newest window
	live.Upsert("BTCUSDT", "1m", candleAt(99*60_000, 555, false))

	fetcher := &fakeFetcher{candles: restCandles(100)}
	b, _ := newTestBackfill(t, live, fetcher)

	got, err := b.GetHistory(context.Background(), "binance-main", "BTCUSDT", "1m", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := got[len(got)-1]
	if last.OpenTime != 99*60_000 || last.Close != 555 || last.IsFinal {
		t.Errorf("forming candle must come from the live stream, got %+v", last)
	}
	// finalized history must come from REST untouched
	if got[0].Close != 100 || !got[0].IsFinal {
		t.Errorf("finalized candle must come from REST, got %+v", got[0])
	}
}

func TestBackfillUnavailableWhenBothSourcesEmpty(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("rest down")}
	b, _ := newTestBackfill(t, NewCandleCache(DefaultCacheCap), fetcher)

	_, err := b.GetHistory(context.Background(), "binance-main", "BTCUSDT", "1m", 100)
	if !errors.Is(err, model.ErrBackfillUnavailable) {
		t.Fatalf("expected ErrBackfillUnavailable, got %v", err)
	}
}

func TestBackfillFallsBackToLiveWhenRESTFails(t *testing.T) {
	live := NewCandleCache(DefaultCacheCap)
	for i := 0; i < 10; i++ {
		live.Upsert("BTCUSDT", "1m", candleAt(int64(i)*60_000, 100, true))
	}
	fetcher := &fakeFetcher{err: errors.New("rest down")}
	b, _ := newTestBackfill(t, live, fetcher)

	got, err := b.GetHistory(context.Background(), "binance-main", "BTCUSDT", "1m", 100)
	if err != nil {
		t.Fatalf("REST failure with live data must not error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 live candles, got %d", len(got))
	}
}

func TestParseKlineRowsSkipsMalformedRows(t *testing.T) {
	rows := [][]interface{}{
		{float64(60_000), "100.0", "101.0", "99.0", "100.5", "12.0", float64(119_999)},
		{float64(120_000), "bad"}, // too short
		{"not-a-time", "100.0", "101.0", "99.0", "100.5", "12.0", float64(179_999)},
		{float64(180_000), "103.0", "104.0", "102.0", "103.5", "9.0", float64(239_999)},
	}
	got := ParseKlineRows(rows)
	if len(got) != 2 {
		t.Fatalf("expected 2 parsed candles, got %d", len(got))
	}
	if got[0].OpenTime != 60_000 || got[1].OpenTime != 180_000 {
		t.Errorf("unexpected parsed rows: %+v", got)
	}
	for _, c := range got {
		if !c.IsFinal {
			t.Error("REST candles must be finalized")
		}
	}
}
