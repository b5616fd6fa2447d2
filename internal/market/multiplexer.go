package market

import (
	"encoding/json"
	"sync"
	"time"

	"dca-trader/internal/metrics"
	"dca-trader/internal/model"
	"dca-trader/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 重连退避参数：1s 起步翻倍，封顶 30s
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// upstreamConn 抽象上游 WebSocket 连接，测试时注入假实现
type upstreamConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer 建立上游连接
type Dialer func(wsURL string) (upstreamConn, error)

// GorillaDialer 默认的 gorilla/websocket 连接器
func GorillaDialer(wsURL string) (upstreamConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

// subscribeMessage 上游订阅协议:
// {"method": "SUBSCRIBE"|"UNSUBSCRIBE", "params": [streamNames], "id": n}
type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Multiplexer 为一个交易所账户维护零或一条上游连接，把所有下游订阅的并集
// 与上游当前订阅集做差集，批量补订/退订，再把归一化后的 Tick 扇出给注册表。
//
// 核心不变式：任一时刻每个账户至多一条上游连接。
// 订阅集更新采用乐观策略：发出 SUBSCRIBE/UNSUBSCRIBE 后立即更新 active，
// 不等待上游确认 —— 交易所的订阅回执不携带流名称，无法逐流对账；
// 发送失败会触发读循环报错，重连时按 needed 全量重订，状态自然收敛。
type Multiplexer struct {
	exchangeID string
	resolver   *EndpointResolver
	registry   *Registry
	cache      *CandleCache
	dial       Dialer
	logger     *zap.Logger

	mu     sync.Mutex
	conn   upstreamConn
	gen    uint64                     // 连接代数，换代后旧的读循环自行退出
	active map[string]model.StreamKey // streamName -> key，上游当前订阅集
	reqID  int64
}

// NewMultiplexer 创建某个交易所账户的流复用器
func NewMultiplexer(exchangeID string, resolver *EndpointResolver, registry *Registry, cache *CandleCache, dial Dialer, logger *zap.Logger) *Multiplexer {
	if dial == nil {
		dial = GorillaDialer
	}
	return &Multiplexer{
		exchangeID: exchangeID,
		resolver:   resolver,
		registry:   registry,
		cache:      cache,
		dial:       dial,
		logger:     logger.With(zap.String("component", "multiplexer"), zap.String("exchange", exchangeID)),
		active:     make(map[string]model.StreamKey),
	}
}

// Registry 暴露注册表给服务层做会话登记
func (m *Multiplexer) Registry() *Registry {
	return m.registry
}

// Subscribe 设置会话的 kline 订阅（同类型旧订阅被原子替换），并同步上游
func (m *Multiplexer) Subscribe(sessionID string, key model.StreamKey) error {
	m.registry.SetKline(sessionID, key)
	return m.syncUpstream()
}

// ChangeSubscription 换 symbol/interval，语义同 Subscribe：替换后同步上游
func (m *Multiplexer) ChangeSubscription(sessionID string, key model.StreamKey) error {
	return m.Subscribe(sessionID, key)
}

// SubscribeTickers 整体替换会话的 ticker 订阅集合，并同步上游
func (m *Multiplexer) SubscribeTickers(sessionID string, symbols []string) error {
	keys := make([]model.StreamKey, 0, len(symbols))
	for _, s := range symbols {
		keys = append(keys, model.StreamKey{ExchangeID: m.exchangeID, Symbol: s})
	}
	m.registry.SetTickers(sessionID, keys)
	return m.syncUpstream()
}

// ClearKline 只移除会话的 kline 订阅（跨账户切换订阅时，旧账户这边清掉）
func (m *Multiplexer) ClearKline(sessionID string) error {
	m.registry.ClearKline(sessionID)
	return m.syncUpstream()
}

// Unsubscribe 移除会话的全部订阅。最后一个订阅者退订某条流时，
// 该流从上游退订；没有任何流再被需要时，上游连接关闭，等下次订阅再懒加载重连。
func (m *Multiplexer) Unsubscribe(sessionID string) error {
	m.registry.Remove(sessionID)
	return m.syncUpstream()
}

// syncUpstream 把注册表需要的流集合与上游订阅集做差集同步
func (m *Multiplexer) syncUpstream() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	needed := make(map[string]model.StreamKey)
	for key := range m.registry.NeededKeys() {
		if key.ExchangeID == m.exchangeID {
			needed[key.StreamName()] = key
		}
	}

	// 没有任何订阅者需要数据：关连接，清空订阅集
	if len(needed) == 0 {
		if m.conn != nil {
			m.logger.Info("No streams needed, closing upstream connection")
			m.closeConnLocked()
		}
		return nil
	}

	// 懒加载建连
	if m.conn == nil {
		if err := m.openConnLocked(); err != nil {
			return err
		}
	}

	var toAdd, toRemove []string
	for name := range needed {
		if _, ok := m.active[name]; !ok {
			toAdd = append(toAdd, name)
		}
	}
	for name := range m.active {
		if _, ok := needed[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}

	// 每次拓扑变化最多各发一条批量消息
	if len(toAdd) > 0 {
		if err := m.writeLocked("SUBSCRIBE", toAdd); err != nil {
			return err
		}
		for _, name := range toAdd {
			m.active[name] = needed[name]
		}
		m.logger.Info("Subscribed upstream streams", zap.Strings("streams", toAdd))
	}
	if len(toRemove) > 0 {
		if err := m.writeLocked("UNSUBSCRIBE", toRemove); err != nil {
			return err
		}
		for _, name := range toRemove {
			delete(m.active, name)
		}
		m.logger.Info("Unsubscribed upstream streams", zap.Strings("streams", toRemove))
	}

	metrics.ActiveStreams.WithLabelValues(m.exchangeID).Set(float64(len(m.active)))
	return nil
}

func (m *Multiplexer) writeLocked(method string, params []string) error {
	if m.conn == nil {
		return model.ErrUpstreamClosed
	}
	m.reqID++
	return m.conn.WriteJSON(subscribeMessage{Method: method, Params: params, ID: m.reqID})
}

// openConnLocked 解析端点、建连并启动读循环 (持有 m.mu 调用)
func (m *Multiplexer) openConnLocked() error {
	eps, err := m.resolver.Resolve(m.exchangeID)
	if err != nil {
		return err
	}
	conn, err := m.dial(eps.WSURL)
	if err != nil {
		return err
	}
	m.conn = conn
	m.gen++
	m.logger.Info("Upstream connected", zap.String("url", eps.WSURL))
	go m.readLoop(conn, m.gen)
	return nil
}

// closeConnLocked 关闭连接并换代，让旧读循环退出 (持有 m.mu 调用)
func (m *Multiplexer) closeConnLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.active = make(map[string]model.StreamKey)
	metrics.ActiveStreams.WithLabelValues(m.exchangeID).Set(0)
}

// readLoop 持续读取上游消息。读出错时走重连；连接已换代则直接退出。
func (m *Multiplexer) readLoop(conn upstreamConn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			newConn, ok := m.reconnect(gen)
			if !ok {
				return
			}
			conn = newConn
			continue
		}
		m.handleMessage(raw)
	}
}

// reconnect 带封顶指数退避的重连。重连成功后按当前 needed 集合一次性全量重订。
// 订阅者不会感知断线，投递只是暂停 —— 这是有意的取舍，换取简单的订阅者契约。
// 期间最后一个订阅者退订会使 needed 清空，重连随之取消。
func (m *Multiplexer) reconnect(gen uint64) (upstreamConn, bool) {
	delay := reconnectBaseDelay
	for {
		m.mu.Lock()
		if m.gen != gen {
			// 连接已被主动关闭或替换，本读循环作废
			m.mu.Unlock()
			return nil, false
		}

		needed := make([]string, 0)
		neededKeys := make(map[string]model.StreamKey)
		for key := range m.registry.NeededKeys() {
			if key.ExchangeID == m.exchangeID {
				name := key.StreamName()
				needed = append(needed, name)
				neededKeys[name] = key
			}
		}
		if len(needed) == 0 {
			m.logger.Info("Last subscriber gone during reconnect, giving up")
			m.closeConnLocked()
			m.mu.Unlock()
			return nil, false
		}

		eps, err := m.resolver.Resolve(m.exchangeID)
		if err == nil {
			var conn upstreamConn
			conn, err = m.dial(eps.WSURL)
			if err == nil {
				m.conn = conn
				m.active = make(map[string]model.StreamKey, len(neededKeys))
				if werr := m.writeLocked("SUBSCRIBE", needed); werr == nil {
					for name, key := range neededKeys {
						m.active[name] = key
					}
					metrics.ActiveStreams.WithLabelValues(m.exchangeID).Set(float64(len(m.active)))
					m.logger.Info("Upstream reconnected, streams resubscribed",
						zap.Int("streams", len(needed)))
					m.mu.Unlock()
					return conn, true
				}
				_ = conn.Close()
				m.conn = nil
			}
		}
		m.mu.Unlock()

		metrics.UpstreamReconnects.WithLabelValues(m.exchangeID).Inc()
		m.logger.Warn("Upstream reconnect failed, backing off",
			zap.Duration("delay", delay), zap.Error(err))
		time.Sleep(delay)
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// ----- 上游消息归一化 -----

// combinedEnvelope 组合流信封 {"stream": "...", "data": {...}}
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// rawEvent 裸事件 {"e": "kline", "s": "BTCUSDT", "k": {...}}
type rawEvent struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	Kline     json.RawMessage `json:"k"`
	LastPrice string          `json:"c"`
	PriceChg  string          `json:"P"`
}

// klinePayload 上游 kline 字段
type klinePayload struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	IsFinal   bool   `json:"x"`
}

// handleMessage 解析一条上游消息：去信封、归一化、写缓存、扇出
func (m *Multiplexer) handleMessage(raw []byte) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		raw = env.Data
	}

	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Event == "" {
		return
	}

	switch ev.Event {
	case "kline":
		m.handleKline(ev)
	case "24hrTicker":
		m.handleTicker(ev)
	}
}

func (m *Multiplexer) handleKline(ev rawEvent) {
	var k klinePayload
	if err := json.Unmarshal(ev.Kline, &k); err != nil {
		return
	}

	open, err1 := service.StringToFloat(k.Open)
	high, err2 := service.StringToFloat(k.High)
	low, err3 := service.StringToFloat(k.Low)
	closePrice, err4 := service.StringToFloat(k.Close)
	volume, err5 := service.StringToFloat(k.Volume)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		m.logger.Warn("Malformed kline payload, dropping", zap.String("symbol", k.Symbol))
		return
	}

	candle := model.Candle{
		OpenTime:  k.OpenTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: k.CloseTime,
		IsFinal:   k.IsFinal,
	}
	m.cache.Upsert(k.Symbol, k.Interval, candle)

	key := model.StreamKey{ExchangeID: m.exchangeID, Symbol: k.Symbol, Interval: k.Interval}
	tick := model.Tick{
		Key:       key,
		Price:     closePrice,
		Candle:    &candle,
		Timestamp: ev.EventTime,
	}

	metrics.TicksTotal.WithLabelValues(m.exchangeID, k.Symbol, "kline").Inc()
	subs := m.registry.SessionCount(key)
	if delivered := m.registry.Deliver(key, tick); delivered < subs {
		metrics.DroppedDeliveries.WithLabelValues(m.exchangeID).Add(float64(subs - delivered))
	}
}

func (m *Multiplexer) handleTicker(ev rawEvent) {
	price, err := service.StringToFloat(ev.LastPrice)
	if err != nil {
		return
	}
	change := 0.0
	if ev.PriceChg != "" {
		change, _ = service.StringToFloat(ev.PriceChg)
	}

	key := model.StreamKey{ExchangeID: m.exchangeID, Symbol: ev.Symbol}
	tick := model.Tick{
		Key:         key,
		Price:       price,
		PriceChange: change,
		Timestamp:   ev.EventTime,
	}

	metrics.TicksTotal.WithLabelValues(m.exchangeID, ev.Symbol, "ticker").Inc()
	subs := m.registry.SessionCount(key)
	if delivered := m.registry.Deliver(key, tick); delivered < subs {
		metrics.DroppedDeliveries.WithLabelValues(m.exchangeID).Add(float64(subs - delivered))
	}
}

// ActiveStreamNames 返回上游当前订阅集快照 (测试与诊断用)
func (m *Multiplexer) ActiveStreamNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for name := range m.active {
		out = append(out, name)
	}
	return out
}

// Connected 返回是否存在上游连接
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}
