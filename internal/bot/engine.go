package bot

import (
	"context"
	"fmt"
	"time"

	"dca-trader/internal/exchange"
	"dca-trader/internal/metrics"
	"dca-trader/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// command 引擎控制命令
type command int

const (
	cmdStart command = iota // 手动启动 (或冷却结束后的自动启动)
	cmdStop                 // 手动停止：撤掉周期内全部挂单，周期记为 Cancelled
)

// Engine 是单个 Bot 的周期状态机：
//
//	Idle → Triggered → AccumulatingSafetyOrders → Completed
//
// Cancelled/Error 可从任意非终态进入。所有事件 (Tick、成交、命令、冷却到期)
// 都在 Run 的单个 goroutine 里串行处理 —— 同一周期的两笔成交绝不会并发执行，
// 均价重算和止盈撤旧挂新因此天然原子。不同 Bot 的引擎各自独立并发。
type Engine struct {
	cfg    model.BotConfig
	trader exchange.Trader
	store  CycleStore
	logger *zap.Logger

	fills chan exchange.Fill
	cmds  chan command

	// 以下状态只被 Run goroutine 访问
	cycle     *model.Cycle
	orders    map[string]*model.CycleOrder // clientOrderID -> 当前周期未终结订单
	byExchID  map[string]string            // exchangeOrderID -> clientOrderID
	fees      float64                      // 当前周期累计手续费，只进入最终利润结算
	lastPrice float64
	armed     bool // 已请求启动，等待一个落在价格区间内的 Tick
	stopped   bool
	cooldownC <-chan time.Time

	// 跟踪止盈状态：价格越过目标价后撤掉限价止盈，转为跟踪峰值
	trailArmed bool
	trailPeak  float64

	newID func() string
	now   func() time.Time
}

// NewEngine 创建引擎。配置校验推迟到启动时 (InvalidConfig 只对该次启动致命)。
func NewEngine(cfg model.BotConfig, trader exchange.Trader, store CycleStore, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		trader:   trader,
		store:    store,
		logger:   logger.With(zap.String("component", "engine"), zap.String("bot", cfg.BotID), zap.String("symbol", cfg.Symbol)),
		fills:    make(chan exchange.Fill, 64),
		cmds:     make(chan command, 4),
		orders:   make(map[string]*model.CycleOrder),
		byExchID: make(map[string]string),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// FillChan 给 FillRouter 登记用的成交接收通道
func (e *Engine) FillChan() chan<- exchange.Fill {
	return e.fills
}

// Start 请求启动一个交易周期
func (e *Engine) Start() {
	e.cmds <- cmdStart
}

// Stop 请求停止：撤单并取消当前周期
func (e *Engine) Stop() {
	e.cmds <- cmdStop
}

// Run 事件主循环。ticks 来自流复用器的 ticker 订阅。
func (e *Engine) Run(ctx context.Context, ticks <-chan model.Tick) {
	e.logger.Info("Bot engine started", zap.String("direction", string(e.cfg.Direction)))
	e.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			switch cmd {
			case cmdStart:
				e.handleStart(ctx)
			case cmdStop:
				e.handleStop(ctx)
			}
		case tick := <-ticks:
			e.onTick(ctx, tick)
		case fill := <-e.fills:
			e.onFill(ctx, fill)
		case <-e.cooldownC:
			e.cooldownC = nil
			if !e.stopped {
				e.logger.Info("Cooldown elapsed, starting next cycle")
				e.handleStart(ctx)
			}
		}
	}
}

// reconcile 处理上一个进程遗留的活跃周期：在途订单的内存状态已丢失，
// 无法安全接管，记为 Error 等待人工处理，而不是带着陈旧记账继续交易。
func (e *Engine) reconcile(ctx context.Context) {
	stale, err := e.store.ActiveCycle(ctx, e.cfg.BotID)
	if err != nil {
		e.logger.Error("Failed to look up active cycle", zap.Error(err))
		return
	}
	if stale == nil {
		return
	}
	e.logger.Warn("Found active cycle from previous run, marking for manual review",
		zap.Int("cycle", stale.CycleNumber), zap.String("status", string(stale.Status)))
	stale.Status = model.CycleError
	if err := e.store.UpdateCycle(ctx, stale); err != nil {
		e.logger.Error("Failed to persist reconciled cycle", zap.Error(err))
	}
}

// handleStart 校验配置并进入触发流程
func (e *Engine) handleStart(ctx context.Context) {
	if e.cycle != nil && !e.cycle.Status.Terminal() {
		e.logger.Warn("Start ignored: cycle already active",
			zap.Int("cycle", e.cycle.CycleNumber), zap.String("status", string(e.cycle.Status)))
		return
	}

	cfg := e.cfg
	if err := cfg.Validate(); err != nil {
		e.logger.Error("Start rejected", zap.Error(err))
		return
	}
	e.cfg = cfg // Validate 会补默认系数
	e.stopped = false

	if e.cfg.Trigger == model.TriggerLimit {
		e.openCycle(ctx, e.cfg.TriggerPrice, "limit")
		return
	}

	// 市价触发需要一个落在价格区间内的最新价
	if e.lastPrice > 0 && withinPriceLimits(&e.cfg, e.lastPrice) {
		e.openCycle(ctx, e.lastPrice, "market")
		return
	}
	e.armed = true
	e.logger.Info("Armed, waiting for a price inside configured limits")
}

// openCycle 创建新周期并发出基础单
func (e *Engine) openCycle(ctx context.Context, price float64, orderType string) {
	last, err := e.store.LastCycleNumber(ctx, e.cfg.BotID)
	if err != nil {
		e.logger.Error("Failed to load cycle history", zap.Error(err))
		return
	}

	cycle := &model.Cycle{
		BotID:           e.cfg.BotID,
		CycleNumber:     last + 1,
		Status:          model.CycleTriggered,
		MaxSafetyOrders: e.cfg.MaxSafetyOrders,
		CreatedAt:       e.now(),
	}
	if err := e.store.CreateCycle(ctx, cycle); err != nil {
		e.logger.Error("Failed to persist new cycle", zap.Error(err))
		return
	}
	e.cycle = cycle
	e.armed = false
	e.fees = 0
	e.trailArmed = false

	qty := e.cfg.BaseOrderAmount / price
	order, err := e.placeOrder(ctx, model.OrderBase, 0, entrySide(&e.cfg), orderType, qty, price)
	if err != nil {
		e.failCycle(ctx, "base order placement failed", err)
		return
	}
	cycle.BaseOrderID = order.ExchangeOrderID
	if err := e.store.UpdateCycle(ctx, cycle); err != nil {
		e.logger.Error("Failed to persist cycle", zap.Error(err))
	}

	e.logger.Info("Cycle opened",
		zap.Int("cycle", cycle.CycleNumber),
		zap.String("trigger", orderType),
		zap.Float64("price", price), zap.Float64("qty", qty))
}

// placeOrder 创建订单记录并提交下单意图。
// ClientOrderID = "<botID>/<uuid>" 作为幂等键：一个意图只会有一条记录、
// 一次提交；在途期间不存在第二次为同一目的下单的代码路径（单 goroutine）。
func (e *Engine) placeOrder(ctx context.Context, otype model.OrderType, level int,
	side model.OrderSide, orderKind string, qty, price float64) (*model.CycleOrder, error) {

	order := &model.CycleOrder{
		CycleID:          e.cycle.ID,
		ClientOrderID:    e.cfg.BotID + "/" + e.newID(),
		OrderType:        otype,
		SafetyOrderLevel: level,
		Side:             side,
		Symbol:           e.cfg.Symbol,
		Quantity:         qty,
		Price:            price,
		Status:           model.OrderPending,
		CreatedAt:        e.now(),
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	ack, err := e.trader.PlaceOrder(ctx, exchange.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          side,
		Type:          orderKind,
		Quantity:      qty,
		Price:         price,
	})
	if err != nil {
		order.Status = model.OrderErrored
		if uerr := e.store.UpdateOrder(ctx, order); uerr != nil {
			e.logger.Error("Failed to persist order error", zap.Error(uerr))
		}
		return nil, fmt.Errorf("%w: %s %s: %v", model.ErrOrderPlacement, otype, e.cfg.Symbol, err)
	}

	order.ExchangeOrderID = ack.OrderID
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		e.logger.Error("Failed to persist order ack", zap.Error(err))
	}

	e.orders[order.ClientOrderID] = order
	e.byExchID[ack.OrderID] = order.ClientOrderID
	metrics.OrdersPlaced.WithLabelValues(e.cfg.BotID, string(otype), string(side)).Inc()

	e.logger.Info("Order placed",
		zap.String("type", string(otype)), zap.Int("level", level),
		zap.String("side", string(side)), zap.String("kind", orderKind),
		zap.Float64("qty", qty), zap.Float64("price", price),
		zap.String("exchange_order_id", ack.OrderID))
	return order, nil
}

// onTick 处理实时价格：武装中的启动、跟踪止盈
func (e *Engine) onTick(ctx context.Context, tick model.Tick) {
	if tick.Key.Symbol != e.cfg.Symbol {
		return
	}
	e.lastPrice = tick.Price

	if e.armed && (e.cycle == nil || e.cycle.Status.Terminal()) {
		if withinPriceLimits(&e.cfg, tick.Price) {
			e.armed = false
			e.openCycle(ctx, tick.Price, "market")
		}
		return
	}

	if e.cfg.TrailingTakeProfit {
		e.updateTrailing(ctx, tick.Price)
	}
}

// updateTrailing 跟踪止盈：价格首次越过目标价时撤掉限价止盈并记录峰值，
// 之后峰值回撤超过 TrailingDeviation% 时市价离场。
func (e *Engine) updateTrailing(ctx context.Context, price float64) {
	if e.cycle == nil || e.cycle.Status != model.CycleAccumulating || e.cycle.TotalQuantity <= 0 {
		return
	}

	long := e.cfg.Direction == model.DirLong
	target := TakeProfitPrice(&e.cfg, e.cycle.CurrentAveragePrice)

	if !e.trailArmed {
		beyond := (long && price >= target) || (!long && price <= target)
		if !beyond {
			return
		}
		if tp := e.findOpenOrder(model.OrderTakeProfit); tp != nil {
			if err := e.cancelOrder(ctx, tp); err != nil {
				e.logger.Warn("Trailing: failed to cancel limit take-profit", zap.Error(err))
				return
			}
		}
		e.trailArmed = true
		e.trailPeak = price
		e.logger.Info("Trailing take-profit armed", zap.Float64("peak", price))
		return
	}

	if (long && price > e.trailPeak) || (!long && price < e.trailPeak) {
		e.trailPeak = price
		return
	}

	retrace := e.trailPeak * e.cfg.TrailingDeviation / 100
	exit := (long && price <= e.trailPeak-retrace) || (!long && price >= e.trailPeak+retrace)
	if !exit {
		return
	}
	if e.findOpenOrder(model.OrderTakeProfit) != nil {
		return // 市价离场单已在途
	}
	e.logger.Info("Trailing stop hit, exiting at market",
		zap.Float64("peak", e.trailPeak), zap.Float64("price", price))
	if _, err := e.placeOrder(ctx, model.OrderTakeProfit, 0, exitSide(&e.cfg), "market", e.cycle.TotalQuantity, price); err != nil {
		e.failCycle(ctx, "trailing exit placement failed", err)
	}
}

// onFill 处理异步成交确认。周期记账只在这里发生。
func (e *Engine) onFill(ctx context.Context, fill exchange.Fill) {
	clientID := fill.ClientOrderID
	order, ok := e.orders[clientID]
	if !ok {
		if cid, found := e.byExchID[fill.OrderID]; found {
			order, ok = e.orders[cid]
		}
	}
	if !ok || order == nil {
		e.logger.Warn("Fill for unknown order, ignoring", zap.String("order_id", fill.OrderID))
		return
	}
	if e.cycle == nil || order.CycleID != e.cycle.ID {
		e.logger.Warn("Fill for stale cycle, ignoring", zap.String("order_id", fill.OrderID))
		return
	}

	// 订单级记账：成交价按数量加权
	prevQty := order.FilledQuantity
	order.FilledQuantity += fill.Quantity
	if order.FilledQuantity > 0 {
		order.FilledPrice = (order.FilledPrice*prevQty + fill.Price*fill.Quantity) / order.FilledQuantity
	}
	order.Fee += fill.Fee
	if fill.Done {
		order.Status = model.OrderFilled
	} else {
		order.Status = model.OrderPartiallyFilled
	}
	order.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		e.logger.Error("Failed to persist fill", zap.Error(err))
	}

	e.fees += fill.Fee

	// 周期级记账：加仓方向的成交（含部分成交）进入投入/数量；
	// 手续费不进入均价，避免触发价反馈回路，只参与最终利润结算。
	if order.Side == entrySide(&e.cfg) {
		e.cycle.TotalInvested += fill.Price * fill.Quantity
		e.cycle.TotalQuantity += fill.Quantity
		e.cycle.CurrentAveragePrice = e.cycle.TotalInvested / e.cycle.TotalQuantity
		if err := e.store.UpdateCycle(ctx, e.cycle); err != nil {
			e.logger.Error("Failed to persist cycle accounting", zap.Error(err))
		}
	}

	// 部分成交不迁移状态：订单在 filledQuantity == quantity 之前视为未成交
	if !fill.Done {
		return
	}
	delete(e.orders, order.ClientOrderID)

	switch order.OrderType {
	case model.OrderBase:
		e.onBaseFilled(ctx, order)
	case model.OrderSafety:
		e.onSafetyFilled(ctx, order)
	case model.OrderTakeProfit:
		e.onTakeProfitFilled(ctx, order)
	}
}

// onBaseFilled 基础单成交：Triggered → AccumulatingSafetyOrders。
// 挂出止盈单，并一次性按等比阶梯预挂全部安全单：单级成交由交易所撮合
// 决定，跳空一次吃掉多级同样由撮合按价格决定，引擎不做仲裁。
func (e *Engine) onBaseFilled(ctx context.Context, order *model.CycleOrder) {
	if e.cycle.Status != model.CycleTriggered {
		return
	}

	e.cycle.BaseOrderPrice = order.FilledPrice
	e.cycle.Status = model.CycleAccumulating
	if err := e.store.UpdateCycle(ctx, e.cycle); err != nil {
		e.logger.Error("Failed to persist cycle state", zap.Error(err))
	}

	e.logger.Info("Base order filled",
		zap.Float64("price", order.FilledPrice), zap.Float64("qty", order.FilledQuantity))

	if err := e.placeTakeProfit(ctx); err != nil {
		e.failCycle(ctx, "take-profit placement failed", err)
		return
	}

	for level := 1; level <= e.cfg.MaxSafetyOrders; level++ {
		price := SafetyOrderPrice(&e.cfg, e.cycle.BaseOrderPrice, level)
		qty := SafetyOrderAmount(&e.cfg, level) / price
		if _, err := e.placeOrder(ctx, model.OrderSafety, level, entrySide(&e.cfg), "limit", qty, price); err != nil {
			e.failCycle(ctx, "safety order placement failed", err)
			return
		}
	}
}

// onSafetyFilled 安全单成交：均价下移（做空上移），止盈单必须撤旧挂新。
// 两步意图 (撤单、再挂单) 在本循环内串行执行，不会与其他成交交错。
func (e *Engine) onSafetyFilled(ctx context.Context, order *model.CycleOrder) {
	e.cycle.FilledSafetyOrders++
	if err := e.store.UpdateCycle(ctx, e.cycle); err != nil {
		e.logger.Error("Failed to persist cycle state", zap.Error(err))
	}

	e.logger.Info("Safety order filled",
		zap.Int("level", order.SafetyOrderLevel),
		zap.Int("filled_safety_orders", e.cycle.FilledSafetyOrders),
		zap.Float64("new_average", e.cycle.CurrentAveragePrice))

	if e.trailArmed {
		return // 跟踪止盈已接管离场，无限价止盈可替换
	}

	if tp := e.findOpenOrder(model.OrderTakeProfit); tp != nil {
		if err := e.cancelOrder(ctx, tp); err != nil {
			// 撤单失败多半是止盈恰好在途成交，等它的成交事件来终结周期
			e.logger.Warn("Take-profit cancel failed, keeping existing order", zap.Error(err))
			return
		}
	}
	if err := e.placeTakeProfit(ctx); err != nil {
		e.failCycle(ctx, "take-profit replacement failed", err)
	}
}

// onTakeProfitFilled 止盈成交：结算利润、撤掉剩余安全单、周期完结，
// 冷却结束后自动开下一个周期。
func (e *Engine) onTakeProfitFilled(ctx context.Context, order *model.CycleOrder) {
	exitValue := order.FilledPrice * order.FilledQuantity
	var profit float64
	if e.cfg.Direction == model.DirShort {
		// 做空：入场是卖出所得，离场是买回成本
		profit = e.cycle.TotalInvested - exitValue - e.fees
	} else {
		profit = exitValue - e.cycle.TotalInvested - e.fees
	}

	e.cancelOpenOrders(ctx)

	now := e.now()
	e.cycle.Status = model.CycleCompleted
	e.cycle.CycleProfit = profit
	e.cycle.CompletedAt = &now
	if err := e.store.UpdateCycle(ctx, e.cycle); err != nil {
		e.logger.Error("Failed to persist completed cycle", zap.Error(err))
	}

	metrics.CyclesCompleted.WithLabelValues(e.cfg.BotID).Inc()
	metrics.CycleProfit.WithLabelValues(e.cfg.BotID).Add(profit)

	e.logger.Info("Cycle completed",
		zap.Int("cycle", e.cycle.CycleNumber),
		zap.Float64("profit", profit),
		zap.Int("filled_safety_orders", e.cycle.FilledSafetyOrders),
		zap.Duration("cooldown", e.cfg.CooldownBetweenRounds))

	e.trailArmed = false
	// 下一周期统一经由冷却定时器启动，0 冷却时立即到期
	e.cooldownC = time.After(e.cfg.CooldownBetweenRounds)
}

// handleStop 用户停止：撤掉全部挂单，周期记为 Cancelled，不再下新单
func (e *Engine) handleStop(ctx context.Context) {
	e.stopped = true
	e.armed = false
	e.cooldownC = nil

	if e.cycle == nil || e.cycle.Status.Terminal() {
		return
	}

	e.cancelOpenOrders(ctx)
	e.cycle.Status = model.CycleCancelled
	if err := e.store.UpdateCycle(ctx, e.cycle); err != nil {
		e.logger.Error("Failed to persist cancelled cycle", zap.Error(err))
	}
	e.logger.Info("Cycle cancelled by user", zap.Int("cycle", e.cycle.CycleNumber))
}

// failCycle 下单失败：周期进入 Error，已挂订单保持不动，等待人工恢复
func (e *Engine) failCycle(ctx context.Context, reason string, err error) {
	e.logger.Error("Cycle entering error state", zap.String("reason", reason), zap.Error(err))
	if e.cycle == nil {
		return
	}
	e.cycle.Status = model.CycleError
	if uerr := e.store.UpdateCycle(ctx, e.cycle); uerr != nil {
		e.logger.Error("Failed to persist error cycle", zap.Error(uerr))
	}
}

// placeTakeProfit 按当前均价挂限价止盈单，数量为已确认持仓
func (e *Engine) placeTakeProfit(ctx context.Context) error {
	price := TakeProfitPrice(&e.cfg, e.cycle.CurrentAveragePrice)
	order, err := e.placeOrder(ctx, model.OrderTakeProfit, 0, exitSide(&e.cfg), "limit", e.cycle.TotalQuantity, price)
	if err != nil {
		return err
	}
	e.cycle.TakeProfitOrderID = order.ExchangeOrderID
	return e.store.UpdateCycle(ctx, e.cycle)
}

// findOpenOrder 查找当前周期某类型的未终结订单
func (e *Engine) findOpenOrder(otype model.OrderType) *model.CycleOrder {
	for _, o := range e.orders {
		if o.OrderType == otype {
			return o
		}
	}
	return nil
}

// cancelOrder 撤销一张在途订单并更新记录
func (e *Engine) cancelOrder(ctx context.Context, order *model.CycleOrder) error {
	if err := e.trader.CancelOrder(ctx, order.ExchangeOrderID); err != nil {
		return err
	}
	order.Status = model.OrderCancelled
	order.UpdatedAt = e.now()
	delete(e.orders, order.ClientOrderID)
	delete(e.byExchID, order.ExchangeOrderID)
	return e.store.UpdateOrder(ctx, order)
}

// cancelOpenOrders 撤掉当前周期全部在途订单 (周期完结或取消时)
func (e *Engine) cancelOpenOrders(ctx context.Context) {
	for _, o := range e.orders {
		if err := e.cancelOrder(ctx, o); err != nil {
			e.logger.Warn("Failed to cancel open order",
				zap.String("order_id", o.ExchangeOrderID), zap.Error(err))
		}
	}
}
