package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"dca-trader/internal/exchange"
	"dca-trader/internal/model"

	"go.uber.org/zap"
)

// fakeTrader records placed orders and cancellations, acking with sequential IDs
type fakeTrader struct {
	seq       int
	placed    []exchange.OrderRequest
	cancelled []string
	placeErr  error
	fills     chan exchange.Fill
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{fills: make(chan exchange.Fill, 16)}
}

func (f *fakeTrader) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if f.placeErr != nil {
		return exchange.OrderAck{}, f.placeErr
	}
	f.seq++
	f.placed = append(f.placed, req)
	return exchange.OrderAck{OrderID: fmt.Sprintf("ex-%d", f.seq)}, nil
}

func (f *fakeTrader) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeTrader) Fills() <-chan exchange.Fill { return f.fills }

func (f *fakeTrader) Balances(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (f *fakeTrader) lastPlaced() exchange.OrderRequest {
	return f.placed[len(f.placed)-1]
}

// memStore keeps cycles and orders in memory
type memStore struct {
	cycles []*model.Cycle
	orders []*model.CycleOrder
}

func (m *memStore) CreateCycle(ctx context.Context, cycle *model.Cycle) error {
	cycle.ID = uint(len(m.cycles) + 1)
	m.cycles = append(m.cycles, cycle)
	return nil
}

func (m *memStore) UpdateCycle(ctx context.Context, cycle *model.Cycle) error { return nil }

func (m *memStore) CreateOrder(ctx context.Context, order *model.CycleOrder) error {
	order.ID = uint(len(m.orders) + 1)
	m.orders = append(m.orders, order)
	return nil
}

func (m *memStore) UpdateOrder(ctx context.Context, order *model.CycleOrder) error { return nil }

func (m *memStore) ActiveCycle(ctx context.Context, botID string) (*model.Cycle, error) {
	for i := len(m.cycles) - 1; i >= 0; i-- {
		if m.cycles[i].BotID == botID && !m.cycles[i].Status.Terminal() {
			return m.cycles[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) LastCycleNumber(ctx context.Context, botID string) (int, error) {
	last := 0
	for _, c := range m.cycles {
		if c.BotID == botID && c.CycleNumber > last {
			last = c.CycleNumber
		}
	}
	return last, nil
}

func testBotConfig() model.BotConfig {
	return model.BotConfig{
		BotID:                     "bot-1",
		ExchangeID:                "binance-main",
		Symbol:                    "BTCUSDT",
		Direction:                 model.DirLong,
		Trigger:                   model.TriggerMarket,
		BaseOrderAmount:           100,
		SafetyOrderAmount:         100,
		MaxSafetyOrders:           2,
		PriceDeviation:            1,
		PriceDeviationMultiplier:  1.5,
		SafetyOrderSizeMultiplier: 1,
		TakeProfitPercentage:      1.5,
	}
}

func newTestEngine(cfg model.BotConfig) (*Engine, *fakeTrader, *memStore) {
	trader := newFakeTrader()
	store := &memStore{}
	e := NewEngine(cfg, trader, store, zap.NewNop())
	return e, trader, store
}

// fillFor feeds a complete fill for a placed order back into the engine
func fillFor(e *Engine, trader *fakeTrader, req exchange.OrderRequest, orderID string, price float64) {
	e.onFill(context.Background(), exchange.Fill{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         price,
		Quantity:      req.Quantity,
		Done:          true,
	})
}

func orderIDFor(trader *fakeTrader, i int) string {
	return fmt.Sprintf("ex-%d", i+1)
}

func TestCycleWithoutSafetyOrdersRunsToCompletion(t *testing.T) {
	cfg := testBotConfig()
	cfg.MaxSafetyOrders = 0
	e, trader, store := newTestEngine(cfg)
	ctx := context.Background()

	e.lastPrice = 100
	e.handleStart(ctx)

	if e.cycle == nil || e.cycle.Status != model.CycleTriggered {
		t.Fatalf("expected a triggered cycle, got %+v", e.cycle)
	}
	if len(trader.placed) != 1 || trader.placed[0].Type != "market" {
		t.Fatalf("expected one market base order, got %+v", trader.placed)
	}

	// base fill moves the cycle to accumulating and places the take-profit
	fillFor(e, trader, trader.placed[0], orderIDFor(trader, 0), 100)
	if e.cycle.Status != model.CycleAccumulating {
		t.Fatalf("expected accumulating after base fill, got %s", e.cycle.Status)
	}
	if len(trader.placed) != 2 {
		t.Fatalf("expected take-profit placed, orders: %+v", trader.placed)
	}
	tp := trader.placed[1]
	if tp.Side != model.SideSell || math.Abs(tp.Price-101.5) > 1e-9 {
		t.Errorf("take-profit: want sell @101.5, got %s @%v", tp.Side, tp.Price)
	}

	// take-profit fill completes the cycle with zero safety orders
	fillFor(e, trader, tp, orderIDFor(trader, 1), 101.5)
	if e.cycle.Status != model.CycleCompleted {
		t.Fatalf("expected completed, got %s", e.cycle.Status)
	}
	if e.cycle.FilledSafetyOrders != 0 {
		t.Errorf("expected filledSafetyOrders=0, got %d", e.cycle.FilledSafetyOrders)
	}
	if math.Abs(e.cycle.CycleProfit-1.5) > 1e-9 {
		t.Errorf("expected profit 1.5, got %v", e.cycle.CycleProfit)
	}
	if len(store.cycles) != 1 {
		t.Errorf("expected one persisted cycle, got %d", len(store.cycles))
	}
}

func TestSafetyFillRecomputesAverageAndReplacesTakeProfit(t *testing.T) {
	e, trader, _ := newTestEngine(testBotConfig())
	ctx := context.Background()

	e.lastPrice = 100
	e.handleStart(ctx)
	fillFor(e, trader, trader.placed[0], orderIDFor(trader, 0), 100)

	// placed: base, TP, safety level 1, safety level 2
	if len(trader.placed) != 4 {
		t.Fatalf("expected base+TP+2 safety orders, got %d", len(trader.placed))
	}
	so1, so2 := trader.placed[2], trader.placed[3]
	if math.Abs(so1.Price-99) > 1e-9 {
		t.Errorf("safety level 1 price: want 99, got %v", so1.Price)
	}
	if math.Abs(so2.Price-98.5) > 1e-9 {
		t.Errorf("safety level 2 price: want 98.5, got %v", so2.Price)
	}

	// override quantities to match the averaging example: 1 @100 then 2 @95
	e.cycle.TotalInvested = 100
	e.cycle.TotalQuantity = 1
	e.onFill(ctx, exchange.Fill{
		OrderID:       orderIDFor(trader, 2),
		ClientOrderID: so1.ClientOrderID,
		Symbol:        so1.Symbol,
		Side:          so1.Side,
		Price:         95,
		Quantity:      2,
		Done:          true,
	})

	want := (100*1 + 95*2) / 3.0
	if math.Abs(e.cycle.CurrentAveragePrice-want) > 1e-9 {
		t.Errorf("average price: want %v, got %v", want, e.cycle.CurrentAveragePrice)
	}
	if e.cycle.FilledSafetyOrders != 1 {
		t.Errorf("expected 1 filled safety order, got %d", e.cycle.FilledSafetyOrders)
	}

	// old TP cancelled, new one placed at the new average
	if len(trader.cancelled) != 1 || trader.cancelled[0] != orderIDFor(trader, 1) {
		t.Fatalf("expected old take-profit cancelled, got %v", trader.cancelled)
	}
	newTP := trader.lastPlaced()
	wantTP := want * 1.015
	if math.Abs(newTP.Price-wantTP) > 1e-9 {
		t.Errorf("replacement TP price: want %v, got %v", wantTP, newTP.Price)
	}
	if math.Abs(newTP.Quantity-3) > 1e-9 {
		t.Errorf("replacement TP quantity: want 3, got %v", newTP.Quantity)
	}
}

func TestPartialFillUpdatesAccountingWithoutTransition(t *testing.T) {
	e, trader, _ := newTestEngine(testBotConfig())
	ctx := context.Background()

	e.lastPrice = 100
	e.handleStart(ctx)

	base := trader.placed[0]
	e.onFill(ctx, exchange.Fill{
		OrderID:       orderIDFor(trader, 0),
		ClientOrderID: base.ClientOrderID,
		Symbol:        base.Symbol,
		Side:          base.Side,
		Price:         100,
		Quantity:      base.Quantity / 2,
		Done:          false,
	})

	// accounting reflects the partial fill, but the state machine does not move
	if e.cycle.Status != model.CycleTriggered {
		t.Errorf("partial fill must not transition the cycle, got %s", e.cycle.Status)
	}
	if e.cycle.TotalQuantity <= 0 {
		t.Error("partial fill must still be reflected in totalQuantity")
	}
	if len(trader.placed) != 1 {
		t.Errorf("no new orders may be placed on a partial fill, got %d", len(trader.placed))
	}
}

func TestStopCancelsCycleAndOpenOrders(t *testing.T) {
	e, trader, _ := newTestEngine(testBotConfig())
	ctx := context.Background()

	e.lastPrice = 100
	e.handleStart(ctx)
	fillFor(e, trader, trader.placed[0], orderIDFor(trader, 0), 100)

	e.handleStop(ctx)

	if e.cycle.Status != model.CycleCancelled {
		t.Fatalf("expected cancelled, got %s", e.cycle.Status)
	}
	// TP and both safety orders were open
	if len(trader.cancelled) != 3 {
		t.Errorf("expected 3 cancellations, got %v", trader.cancelled)
	}
}

func TestPlacementFailureMovesCycleToError(t *testing.T) {
	e, trader, _ := newTestEngine(testBotConfig())
	ctx := context.Background()

	trader.placeErr = errors.New("insufficient balance")
	e.lastPrice = 100
	e.handleStart(ctx)

	if e.cycle == nil || e.cycle.Status != model.CycleError {
		t.Fatalf("expected error status on placement failure, got %+v", e.cycle)
	}
	if len(trader.cancelled) != 0 {
		t.Errorf("error state must leave other orders untouched, got %v", trader.cancelled)
	}
}

func TestInvalidConfigRejectedBeforeCycleStarts(t *testing.T) {
	cfg := testBotConfig()
	cfg.TakeProfitPercentage = 0
	e, trader, store := newTestEngine(cfg)

	e.lastPrice = 100
	e.handleStart(context.Background())

	if e.cycle != nil {
		t.Fatal("invalid config must not open a cycle")
	}
	if len(trader.placed) != 0 || len(store.cycles) != 0 {
		t.Error("invalid config must not place orders or persist cycles")
	}
}

func TestLimitTriggerPlacesLimitBaseOrder(t *testing.T) {
	cfg := testBotConfig()
	cfg.Trigger = model.TriggerLimit
	cfg.TriggerPrice = 95
	e, trader, _ := newTestEngine(cfg)

	e.handleStart(context.Background())

	if len(trader.placed) != 1 {
		t.Fatalf("expected one base order, got %d", len(trader.placed))
	}
	base := trader.placed[0]
	if base.Type != "limit" || math.Abs(base.Price-95) > 1e-9 {
		t.Errorf("want limit base @95, got %s @%v", base.Type, base.Price)
	}
}

func TestArmedStartWaitsForPriceInsideLimits(t *testing.T) {
	cfg := testBotConfig()
	cfg.MinPrice = 90
	cfg.MaxPrice = 110
	e, trader, _ := newTestEngine(cfg)
	ctx := context.Background()

	// no last price yet: engine arms and waits
	e.handleStart(ctx)
	if !e.armed || len(trader.placed) != 0 {
		t.Fatalf("expected armed engine with no orders, armed=%v placed=%d", e.armed, len(trader.placed))
	}

	// out-of-range tick is ignored
	e.onTick(ctx, model.Tick{Key: model.StreamKey{Symbol: "BTCUSDT"}, Price: 120})
	if len(trader.placed) != 0 {
		t.Fatal("tick outside limits must not open a cycle")
	}

	// in-range tick opens the cycle
	e.onTick(ctx, model.Tick{Key: model.StreamKey{Symbol: "BTCUSDT"}, Price: 100})
	if e.cycle == nil || e.cycle.Status != model.CycleTriggered {
		t.Fatalf("expected triggered cycle, got %+v", e.cycle)
	}
}

func TestTrailingTakeProfitArmsTracksAndExitsOnRetrace(t *testing.T) {
	cfg := testBotConfig()
	cfg.MaxSafetyOrders = 1
	cfg.TrailingTakeProfit = true
	cfg.TrailingDeviation = 1
	e, trader, _ := newTestEngine(cfg)
	ctx := context.Background()

	tick := func(price float64) {
		e.onTick(ctx, model.Tick{Key: model.StreamKey{Symbol: "BTCUSDT"}, Price: price})
	}

	e.lastPrice = 100
	e.handleStart(ctx)
	fillFor(e, trader, trader.placed[0], orderIDFor(trader, 0), 100)

	// placed: base, limit TP @101.5, safety level 1
	if len(trader.placed) != 3 {
		t.Fatalf("expected base+TP+1 safety order, got %d", len(trader.placed))
	}

	// below the target nothing arms and the limit TP stays
	tick(101)
	if e.trailArmed || len(trader.cancelled) != 0 {
		t.Fatal("trailing must not arm below the take-profit target")
	}

	// crossing the target cancels the limit TP and starts tracking the peak
	tick(102)
	if !e.trailArmed || e.trailPeak != 102 {
		t.Fatalf("expected armed trail with peak 102, armed=%v peak=%v", e.trailArmed, e.trailPeak)
	}
	if len(trader.cancelled) != 1 || trader.cancelled[0] != orderIDFor(trader, 1) {
		t.Fatalf("expected limit take-profit cancelled on arming, got %v", trader.cancelled)
	}

	// a safety fill while trailing must not place a replacement limit TP
	so := trader.placed[2]
	fillFor(e, trader, so, orderIDFor(trader, 2), so.Price)
	if len(trader.placed) != 3 {
		t.Fatalf("safety fill while trailing must not place new orders, got %d", len(trader.placed))
	}
	if e.cycle.FilledSafetyOrders != 1 {
		t.Errorf("safety fill accounting must still run, got %d", e.cycle.FilledSafetyOrders)
	}

	// new highs move the peak without exiting
	tick(103)
	if e.trailPeak != 103 || len(trader.placed) != 3 {
		t.Fatalf("expected peak updated to 103 with no exit, peak=%v placed=%d", e.trailPeak, len(trader.placed))
	}

	// a retrace inside the deviation does not exit (103 × 1% = 1.03)
	tick(102.5)
	if len(trader.placed) != 3 {
		t.Fatal("retrace within the trailing deviation must not exit")
	}

	// a retrace beyond the deviation exits at market with the full position
	tick(101.9)
	if len(trader.placed) != 4 {
		t.Fatalf("expected market exit placed on retrace, placed=%d", len(trader.placed))
	}
	exit := trader.lastPlaced()
	if exit.Type != "market" || exit.Side != model.SideSell {
		t.Errorf("exit order: want market sell, got %s %s", exit.Type, exit.Side)
	}
	if math.Abs(exit.Quantity-e.cycle.TotalQuantity) > 1e-9 {
		t.Errorf("exit quantity: want full position %v, got %v", e.cycle.TotalQuantity, exit.Quantity)
	}

	// the exit fill completes the cycle
	fillFor(e, trader, exit, orderIDFor(trader, 3), 101.9)
	if e.cycle.Status != model.CycleCompleted {
		t.Fatalf("expected completed after trailing exit fill, got %s", e.cycle.Status)
	}
}

func TestTrailingRequiresPositiveDeviation(t *testing.T) {
	cfg := testBotConfig()
	cfg.TrailingTakeProfit = true
	cfg.TrailingDeviation = 0
	e, trader, store := newTestEngine(cfg)

	e.lastPrice = 100
	e.handleStart(context.Background())

	if e.cycle != nil || len(trader.placed) != 0 || len(store.cycles) != 0 {
		t.Fatal("trailing with zero deviation must be rejected before a cycle starts")
	}
}

func TestCompletedCycleSchedulesNextAfterCooldown(t *testing.T) {
	cfg := testBotConfig()
	cfg.MaxSafetyOrders = 0
	cfg.CooldownBetweenRounds = time.Hour
	e, trader, _ := newTestEngine(cfg)
	ctx := context.Background()

	e.lastPrice = 100
	e.handleStart(ctx)
	fillFor(e, trader, trader.placed[0], orderIDFor(trader, 0), 100)
	fillFor(e, trader, trader.placed[1], orderIDFor(trader, 1), 101.5)

	if e.cycle.Status != model.CycleCompleted {
		t.Fatalf("expected completed cycle, got %s", e.cycle.Status)
	}
	if e.cooldownC == nil {
		t.Error("expected a cooldown timer scheduling the next cycle")
	}

	// the next start opens cycle number 2
	e.handleStart(ctx)
	if e.cycle.CycleNumber != 2 {
		t.Errorf("expected cycle number 2, got %d", e.cycle.CycleNumber)
	}
}
