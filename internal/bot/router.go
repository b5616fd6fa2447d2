package bot

import (
	"context"
	"strings"
	"sync"

	"dca-trader/internal/exchange"

	"go.uber.org/zap"
)

// FillRouter 把交易接口的统一成交事件流按 Bot 分发。
// ClientOrderID 约定为 "<botID>/<uuid>"，前缀即路由键。
// 不同周期的成交可以并发处理，同一 Bot 的成交串行进入它的引擎循环。
type FillRouter struct {
	mu      sync.RWMutex
	engines map[string]chan<- exchange.Fill
	logger  *zap.Logger
}

// NewFillRouter 创建分发器
func NewFillRouter(logger *zap.Logger) *FillRouter {
	return &FillRouter{
		engines: make(map[string]chan<- exchange.Fill),
		logger:  logger.With(zap.String("component", "fill-router")),
	}
}

// Register 登记一个 Bot 的成交接收通道
func (r *FillRouter) Register(botID string, ch chan<- exchange.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[botID] = ch
}

// Run 消费统一成交流并按前缀分发，直到 ctx 取消
func (r *FillRouter) Run(ctx context.Context, fills <-chan exchange.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			r.dispatch(fill)
		}
	}
}

func (r *FillRouter) dispatch(fill exchange.Fill) {
	botID, _, found := strings.Cut(fill.ClientOrderID, "/")
	if !found {
		r.logger.Warn("Fill without bot prefix, dropping",
			zap.String("client_order_id", fill.ClientOrderID))
		return
	}

	r.mu.RLock()
	ch, ok := r.engines[botID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("Fill for unknown bot, dropping", zap.String("bot", botID))
		return
	}

	// 引擎通道有界；引擎处理成交是快路径，阻塞说明引擎卡死，宁可丢日志告警
	select {
	case ch <- fill:
	default:
		r.logger.Error("Engine fill channel full! Dropping fill",
			zap.String("bot", botID), zap.String("order_id", fill.OrderID))
	}
}
