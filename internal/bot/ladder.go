package bot

import (
	"math"

	"dca-trader/internal/model"
)

// 安全单等比价格阶梯与仓位计算。
// 做多时第 k 级 (k 从 1 起) 的触发价：
//   baseOrderPrice × (1 − priceDeviation × priceDeviationMultiplier^(k−1) / 100)
// 做空取反向符号。金额：safetyOrderAmount × safetyOrderSizeMultiplier^(k−1)。

// SafetyOrderPrice 返回第 level 级安全单的触发价
func SafetyOrderPrice(cfg *model.BotConfig, basePrice float64, level int) float64 {
	deviation := cfg.PriceDeviation * math.Pow(cfg.PriceDeviationMultiplier, float64(level-1)) / 100
	if cfg.Direction == model.DirShort {
		return basePrice * (1 + deviation)
	}
	return basePrice * (1 - deviation)
}

// SafetyOrderAmount 返回第 level 级安全单的金额 (计价货币)
func SafetyOrderAmount(cfg *model.BotConfig, level int) float64 {
	return cfg.SafetyOrderAmount * math.Pow(cfg.SafetyOrderSizeMultiplier, float64(level-1))
}

// TakeProfitPrice 根据当前均价计算止盈价。
// 均价随每次安全单成交变化，止盈单必须撤旧挂新。
func TakeProfitPrice(cfg *model.BotConfig, averagePrice float64) float64 {
	if cfg.Direction == model.DirShort {
		return averagePrice * (1 - cfg.TakeProfitPercentage/100)
	}
	return averagePrice * (1 + cfg.TakeProfitPercentage/100)
}

// entrySide 返回加仓方向 (基础单和安全单共用)
func entrySide(cfg *model.BotConfig) model.OrderSide {
	if cfg.Direction == model.DirShort {
		return model.SideSell
	}
	return model.SideBuy
}

// exitSide 返回止盈方向
func exitSide(cfg *model.BotConfig) model.OrderSide {
	if cfg.Direction == model.DirShort {
		return model.SideBuy
	}
	return model.SideSell
}

// withinPriceLimits 检查价格是否落在配置的可选上下限之内
func withinPriceLimits(cfg *model.BotConfig, price float64) bool {
	if cfg.MinPrice > 0 && price < cfg.MinPrice {
		return false
	}
	if cfg.MaxPrice > 0 && price > cfg.MaxPrice {
		return false
	}
	return true
}
