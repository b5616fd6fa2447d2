package exchange

import (
	"context"

	"dca-trader/internal/model"
)

// OrderRequest 下单意图。ClientOrderID 由调用方生成，作为幂等键：
// 同一意图重复提交不会产生第二张订单。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          model.OrderSide
	Type          string // "market" 或 "limit"
	Quantity      float64
	Price         float64 // 仅 limit 有效
}

// OrderAck 交易所受理回执。订单在收到回执前不算 "活跃"。
type OrderAck struct {
	OrderID string
}

// Fill 异步成交事件。部分成交时 Done=false，此时状态机不迁移，
// 但投入/数量的记账仍要反映已报告的部分成交。
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          model.OrderSide
	Price         float64 // 本次成交均价
	Quantity      float64 // 本次成交数量
	Fee           float64 // 本次成交手续费 (计价货币)
	Done          bool    // 订单是否已全部成交
	Timestamp     int64
}

// Trader 是外部交易接口：下单、撤单、异步成交回报、余额查询。
// 真实交易所适配器和模拟盘实现同一接口。
type Trader interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Fills 返回成交事件通道，实现方负责在订单成交时推送
	Fills() <-chan Fill

	// Balances 返回各资产的可用余额快照
	Balances(ctx context.Context) (map[string]float64, error)
}
