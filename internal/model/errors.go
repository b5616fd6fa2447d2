package model

import "errors"

// 错误分类：
//   - ErrBackfillUnavailable: REST 和缓存都拿不到历史数据，调用方视为 "暂无图表数据"，非致命
//   - ErrInvalidConfig:       Cycle 启动前的参数校验失败，仅对本次启动致命
//   - ErrOrderPlacement:      下单失败，周期进入 Error 状态，已挂订单保持不动
//   - ErrUpstreamClosed:      上游连接已关闭 (内部通过重连恢复，不暴露给订阅者)
var (
	ErrBackfillUnavailable = errors.New("backfill unavailable")
	ErrInvalidConfig       = errors.New("invalid bot config")
	ErrOrderPlacement      = errors.New("order placement failed")
	ErrUpstreamClosed      = errors.New("upstream connection closed")
)
