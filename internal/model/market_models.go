package model

import (
	"fmt"
	"strings"
)

// StreamType 区分上游订阅的流类型
type StreamType string

const (
	StreamTicker StreamType = "ticker" // 最新价快照流 (无周期)
	StreamKline  StreamType = "kline"  // K 线流 (带周期)
)

// StreamKey 唯一标识一条上游订阅流 (账户 + 交易对 + 周期)。
// Interval 为空字符串时表示 ticker 流；多个下游订阅者可以共享同一个 StreamKey。
type StreamKey struct {
	ExchangeID string // 交易所账户标识，例如 "binance-main"
	Symbol     string // 交易对，例如 "BTCUSDT"
	Interval   string // K 线周期，例如 "1m"；ticker 流为空
}

// Type 根据 Interval 是否为空判断流类型
func (k StreamKey) Type() StreamType {
	if k.Interval == "" {
		return StreamTicker
	}
	return StreamKline
}

// StreamName 生成交易所组合流协议使用的流名称
// 例如 btcusdt@kline_1m 或 btcusdt@ticker
func (k StreamKey) StreamName() string {
	if k.Interval == "" {
		return fmt.Sprintf("%s@ticker", strings.ToLower(k.Symbol))
	}
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(k.Symbol), k.Interval)
}

// Candle 代表一根 K 线。IsFinal=false 时表示当前周期仍在形成中，
// 缓存里只有最后一根允许被覆盖；IsFinal=true 后不可变。
type Candle struct {
	OpenTime  int64 // 周期起始毫秒时间戳，(symbol, interval) 内去重键
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
	IsFinal   bool
}

// Tick 是上游消息归一化后的内部事件，Multiplexer 输出的统一格式。
// Kline 流的 Tick 附带 Candle；ticker 流只有价格快照。
type Tick struct {
	Key         StreamKey
	Price       float64 // 最新成交价 (kline 流为当前收盘价)
	PriceChange float64 // 24h 涨跌幅，仅 ticker 流有效
	Candle      *Candle // 仅 kline 流非 nil
	Timestamp   int64   // 事件毫秒时间戳
}
