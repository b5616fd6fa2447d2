package bot

import (
	"context"

	"dca-trader/internal/model"
)

// CycleStore 是周期与订单的持久化接口 (外部协作方)。
// 引擎只在确认事件上写入，绝不因挂单中的订单修改周期的持仓记账。
type CycleStore interface {
	CreateCycle(ctx context.Context, cycle *model.Cycle) error
	UpdateCycle(ctx context.Context, cycle *model.Cycle) error

	CreateOrder(ctx context.Context, order *model.CycleOrder) error
	UpdateOrder(ctx context.Context, order *model.CycleOrder) error

	// ActiveCycle 返回 Bot 当前未结束的周期，没有则返回 (nil, nil)
	ActiveCycle(ctx context.Context, botID string) (*model.Cycle, error)

	// LastCycleNumber 返回 Bot 最大的周期号，没有历史时返回 0
	LastCycleNumber(ctx context.Context, botID string) (int, error)
}
