package model

import (
	"fmt"
	"time"
)

// Direction 定义了 Bot 的交易方向
type Direction string

const (
	DirLong  Direction = "long"  // 做多：安全单向下加仓，止盈单在均价之上
	DirShort Direction = "short" // 做空：安全单向上加仓，止盈单在均价之下
)

func (d Direction) String() string {
	return string(d)
}

// TriggerType 定义了基础单的触发方式
type TriggerType string

const (
	TriggerMarket TriggerType = "market" // 启动后立刻市价入场
	TriggerLimit  TriggerType = "limit"  // 在 TriggerPrice 挂限价单等待成交
)

// BotConfig 定义了一个 Bot 的全部交易参数。
// 周期内不可变：一个 Cycle 启动后参数变更只对下一个 Cycle 生效。
type BotConfig struct {
	BotID      string      `mapstructure:"bot_id"`
	ExchangeID string      `mapstructure:"exchange_id"` // 关联的交易所账户
	Symbol     string      `mapstructure:"symbol"`
	Direction  Direction   `mapstructure:"direction"`
	Trigger    TriggerType `mapstructure:"trigger"`

	BaseOrderAmount   float64 `mapstructure:"base_order_amount"`   // 基础单金额 (计价货币)
	SafetyOrderAmount float64 `mapstructure:"safety_order_amount"` // 首个安全单金额 (计价货币)
	MaxSafetyOrders   int     `mapstructure:"max_safety_orders"`

	PriceDeviation            float64 `mapstructure:"price_deviation"`              // 首个安全单偏离百分比，例如 1 表示 1%
	PriceDeviationMultiplier  float64 `mapstructure:"price_deviation_multiplier"`   // 偏离等比系数
	SafetyOrderSizeMultiplier float64 `mapstructure:"safety_order_size_multiplier"` // 金额等比系数

	TakeProfitPercentage float64 `mapstructure:"take_profit_percentage"`
	TrailingTakeProfit   bool    `mapstructure:"trailing_take_profit"`
	TrailingDeviation    float64 `mapstructure:"trailing_deviation"` // 回撤触发百分比，仅 trailing 模式使用

	TriggerPrice float64 `mapstructure:"trigger_price"` // limit 触发模式的入场价
	MinPrice     float64 `mapstructure:"min_price"`     // 可选价格下限，0 表示不限制
	MaxPrice     float64 `mapstructure:"max_price"`     // 可选价格上限，0 表示不限制

	CooldownBetweenRounds time.Duration `mapstructure:"cooldown_between_rounds"`
}

// Validate 在 Cycle 启动前拒绝非法配置 (InvalidConfig：仅对本次启动致命)
func (c *BotConfig) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	case c.Direction != DirLong && c.Direction != DirShort:
		return fmt.Errorf("%w: direction must be long or short, got %q", ErrInvalidConfig, c.Direction)
	case c.BaseOrderAmount <= 0:
		return fmt.Errorf("%w: base_order_amount must be positive", ErrInvalidConfig)
	case c.MaxSafetyOrders < 0:
		return fmt.Errorf("%w: max_safety_orders must not be negative", ErrInvalidConfig)
	case c.MaxSafetyOrders > 0 && c.SafetyOrderAmount <= 0:
		return fmt.Errorf("%w: safety_order_amount must be positive", ErrInvalidConfig)
	case c.MaxSafetyOrders > 0 && c.PriceDeviation <= 0:
		return fmt.Errorf("%w: price_deviation must be positive", ErrInvalidConfig)
	case c.TakeProfitPercentage <= 0:
		return fmt.Errorf("%w: take_profit_percentage must be positive", ErrInvalidConfig)
	case c.TrailingTakeProfit && c.TrailingDeviation <= 0:
		return fmt.Errorf("%w: trailing_deviation must be positive when trailing is enabled", ErrInvalidConfig)
	case c.Trigger == TriggerLimit && c.TriggerPrice <= 0:
		return fmt.Errorf("%w: trigger_price is required for limit trigger", ErrInvalidConfig)
	case c.MinPrice > 0 && c.MaxPrice > 0 && c.MinPrice >= c.MaxPrice:
		return fmt.Errorf("%w: min_price must be below max_price", ErrInvalidConfig)
	}
	if c.PriceDeviationMultiplier <= 0 {
		c.PriceDeviationMultiplier = 1
	}
	if c.SafetyOrderSizeMultiplier <= 0 {
		c.SafetyOrderSizeMultiplier = 1
	}
	return nil
}

// CycleStatus 表示一个交易周期的生命周期状态。
// 等待触发阶段没有周期记录，"空闲"即数据库中不存在活跃周期。
type CycleStatus string

const (
	CycleTriggered    CycleStatus = "triggered"    // 基础单已发出，等待成交
	CycleAccumulating CycleStatus = "accumulating" // 基础单成交，安全单/止盈单挂出
	CycleCompleted    CycleStatus = "completed"    // 止盈单成交，周期结束
	CycleCancelled    CycleStatus = "cancelled"    // 用户手动停止
	CycleError        CycleStatus = "error"        // 下单失败，等待人工恢复
)

// Terminal 判断状态是否为终态
func (s CycleStatus) Terminal() bool {
	return s == CycleCompleted || s == CycleCancelled || s == CycleError
}

// Cycle 是一个 Bot 一轮完整的 基础单 → 安全单 → 止盈单 交易记录。
// 同一 Bot 同时最多有一个活跃 Cycle。TotalQuantity 和 CurrentAveragePrice
// 只根据已确认的成交重算，挂单中的订单不参与。
type Cycle struct {
	ID                uint        `gorm:"primaryKey;autoIncrement"`
	BotID             string      `gorm:"index:idx_bot_cycle;size:64"`
	CycleNumber       int         `gorm:"index:idx_bot_cycle"`
	Status            CycleStatus `gorm:"index;size:16"`
	BaseOrderID       string      `gorm:"size:64"`
	TakeProfitOrderID string      `gorm:"size:64"`

	BaseOrderPrice      float64
	CurrentAveragePrice float64
	TotalInvested       float64 // 已确认成交的投入 (不含手续费)
	TotalQuantity       float64
	CycleProfit         float64 // 周期结束时结算：卖出所得 - 投入 - 手续费
	FilledSafetyOrders  int     // 不变式: FilledSafetyOrders <= MaxSafetyOrders
	MaxSafetyOrders     int

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// OrderType 区分周期内订单的角色
type OrderType string

const (
	OrderBase       OrderType = "base"
	OrderSafety     OrderType = "safety"
	OrderTakeProfit OrderType = "take_profit"
)

// OrderStatus 订单状态，只由交易所的确认事件推进，绝不投机性修改
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderErrored         OrderStatus = "error"
)

// OrderSide 买卖方向
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// CycleOrder 是周期内一张订单的持久化记录。
// 下单意图发出时创建，之后仅随交易所确认事件迁移状态。
type CycleOrder struct {
	ID               uint        `gorm:"primaryKey;autoIncrement"`
	CycleID          uint        `gorm:"index"`
	ExchangeOrderID  string      `gorm:"index;size:64"`
	ClientOrderID    string      `gorm:"uniqueIndex;size:64"` // 幂等键，防止在途重复下单
	OrderType        OrderType   `gorm:"size:16"`
	SafetyOrderLevel int         // 1 起始；base/take_profit 为 0
	Side             OrderSide   `gorm:"size:8"`
	Symbol           string      `gorm:"size:32"`
	Quantity         float64
	Price            float64
	Status           OrderStatus `gorm:"index;size:20"`
	FilledQuantity   float64
	FilledPrice      float64
	Fee              float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
