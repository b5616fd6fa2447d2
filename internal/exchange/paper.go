package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dca-trader/internal/model"

	"go.uber.org/zap"
)

// PaperConfig 模拟盘配置
type PaperConfig struct {
	InitialBalance float64 // 初始计价货币余额 (如 USDT)
	FeeRate        float64 // 双边手续费率，例如 0.001
}

// paperOrder 模拟盘挂单
type paperOrder struct {
	req     OrderRequest
	orderID string
}

// PaperTrader 在本地撮合的模拟执行器：市价单按最新价立即成交，
// 限价单由实时 Tick 驱动穿价成交。成交通过 Fills 通道异步回报，
// 与真实交易所的 请求/成交确认 不对称行为保持一致。
type PaperTrader struct {
	cfg    PaperConfig
	logger *zap.Logger
	fills  chan Fill

	mu        sync.Mutex
	lastPrice map[string]float64     // symbol -> 最新价
	open      map[string]*paperOrder // orderID -> 挂单
	balances  map[string]float64     // asset -> 余额，计价货币记在 "USDT"
	seq       atomic.Int64
}

// NewPaperTrader 创建模拟执行器
func NewPaperTrader(cfg PaperConfig, logger *zap.Logger) *PaperTrader {
	return &PaperTrader{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "paper-trader")),
		fills:     make(chan Fill, 256),
		lastPrice: make(map[string]float64),
		open:      make(map[string]*paperOrder),
		balances:  map[string]float64{"USDT": cfg.InitialBalance},
	}
}

// PlaceOrder 受理订单。市价单立即按最新价成交；限价单进入本地撮合队列。
func (p *PaperTrader) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.Quantity <= 0 {
		return OrderAck{}, fmt.Errorf("paper: quantity must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// 幂等：同一 ClientOrderID 重复提交返回原订单
	for id, o := range p.open {
		if o.req.ClientOrderID == req.ClientOrderID {
			return OrderAck{OrderID: id}, nil
		}
	}

	orderID := "paper-" + strconv.FormatInt(p.seq.Add(1), 10)

	if req.Type == "market" {
		price, ok := p.lastPrice[req.Symbol]
		if !ok {
			// 行情通道刚启动时本地可能还没有最新价，退回调用方随单给出的参考价
			price = req.Price
		}
		if price <= 0 {
			return OrderAck{}, fmt.Errorf("paper: no market price for %s yet", req.Symbol)
		}
		p.settleLocked(orderID, req, price)
		return OrderAck{OrderID: orderID}, nil
	}

	if req.Price <= 0 {
		return OrderAck{}, fmt.Errorf("paper: limit order requires price")
	}
	p.open[orderID] = &paperOrder{req: req, orderID: orderID}
	p.logger.Debug("Paper limit order accepted",
		zap.String("order_id", orderID), zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)), zap.Float64("price", req.Price))
	return OrderAck{OrderID: orderID}, nil
}

// CancelOrder 撤销本地挂单。已成交或不存在的订单返回错误。
func (p *PaperTrader) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.open[orderID]; !ok {
		return fmt.Errorf("paper: order %s not open", orderID)
	}
	delete(p.open, orderID)
	return nil
}

// Fills 异步成交回报通道
func (p *PaperTrader) Fills() <-chan Fill {
	return p.fills
}

// Balances 余额快照
func (p *PaperTrader) Balances(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]float64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// Run 消费实时 Tick 驱动限价单撮合，直到 ctx 取消
func (p *PaperTrader) Run(ctx context.Context, ticks <-chan model.Tick) {
	p.logger.Info("Paper trader matching loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			p.OnPrice(tick.Key.Symbol, tick.Price)
		}
	}
}

// OnPrice 更新最新价并检查限价单是否穿价成交
func (p *PaperTrader) OnPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPrice[symbol] = price

	for id, o := range p.open {
		if o.req.Symbol != symbol {
			continue
		}
		crossed := (o.req.Side == model.SideBuy && price <= o.req.Price) ||
			(o.req.Side == model.SideSell && price >= o.req.Price)
		if !crossed {
			continue
		}
		delete(p.open, id)
		// 限价单按挂单价成交（不模拟滑点）
		p.settleLocked(id, o.req, o.req.Price)
	}
}

// settleLocked 全额成交一张订单：更新余额并推送成交事件 (持有 p.mu 调用)
func (p *PaperTrader) settleLocked(orderID string, req OrderRequest, price float64) {
	cost := req.Quantity * price
	fee := cost * p.cfg.FeeRate
	base := baseAsset(req.Symbol)

	if req.Side == model.SideBuy {
		p.balances["USDT"] -= cost + fee
		p.balances[base] += req.Quantity
	} else {
		p.balances["USDT"] += cost - fee
		p.balances[base] -= req.Quantity
	}

	fill := Fill{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         price,
		Quantity:      req.Quantity,
		Fee:           fee,
		Done:          true,
		Timestamp:     time.Now().UnixMilli(),
	}

	select {
	case p.fills <- fill:
	default:
		p.logger.Warn("Fill channel full! Dropping fill event",
			zap.String("order_id", orderID), zap.String("symbol", req.Symbol))
	}

	p.logger.Info("Paper order filled",
		zap.String("order_id", orderID), zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("price", price), zap.Float64("qty", req.Quantity), zap.Float64("fee", fee))
}

// baseAsset 从交易对推断基础资产，例如 BTCUSDT -> BTC
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return symbol[:len(symbol)-len(quote)]
		}
	}
	return symbol
}
