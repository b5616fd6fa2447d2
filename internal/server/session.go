package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dca-trader/internal/market"
	"dca-trader/internal/metrics"
	"dca-trader/internal/model"
	"dca-trader/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	tickQueueSize    = 256
	outQueueSize     = 64
	writeWait        = 10 * time.Second
	balancePushEvery = 10 * time.Second
)

// clientMessage 下游客户端的请求消息
type clientMessage struct {
	Type       string   `json:"type"`
	Symbols    []string `json:"symbols,omitempty"`
	Symbol     string   `json:"symbol,omitempty"`
	Interval   string   `json:"interval,omitempty"`
	ExchangeID string   `json:"exchangeId,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

type klineUpdateMsg struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	IsFinal  bool    `json:"isFinal"`
}

type historicalKlinesMsg struct {
	Type     string         `json:"type"`
	Symbol   string         `json:"symbol"`
	Interval string         `json:"interval"`
	Klines   []klineHistory `json:"klines"`
}

type klineHistory struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	IsFinal  bool    `json:"isFinal"`
}

type marketUpdateMsg struct {
	Type        string  `json:"type"`
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	PriceChange float64 `json:"priceChange"`
	Timestamp   int64   `json:"timestamp"`
}

type balanceUpdateMsg struct {
	Type     string             `json:"type"`
	Balances map[string]float64 `json:"balances"`
}

type balanceErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// session 是一条下游 WebSocket 连接的全部状态。
// 写入只发生在 writeLoop 这一个 goroutine 里（gorilla 连接不允许并发写），
// 行情和主动推送都先进各自的队列。
type session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	logger *zap.Logger

	ticks chan model.Tick
	out   chan interface{}
	done  chan struct{}

	// 会话的 kline 订阅当前落在哪个账户的复用器上（只被 readLoop 访问）
	klineExchange string
	// 会话注册过的复用器，退出时统一退订
	registered map[string]*market.Multiplexer
}

func newSession(conn *websocket.Conn, srv *Server) *session {
	id := uuid.NewString()
	return &session{
		id:         id,
		conn:       conn,
		srv:        srv,
		logger:     srv.logger.With(zap.String("component", "session"), zap.String("session", id)),
		ticks:      make(chan model.Tick, tickQueueSize),
		out:        make(chan interface{}, outQueueSize),
		done:       make(chan struct{}),
		registered: make(map[string]*market.Multiplexer),
	}
}

// run 阻塞到连接结束。读写各一个 goroutine，余额推送搭在写循环的定时器上。
func (s *session) run(ctx context.Context) {
	metrics.SubscriberSessions.Inc()
	defer metrics.SubscriberSessions.Dec()
	defer s.teardown()

	go s.writeLoop(ctx)
	s.readLoop(ctx)
}

func (s *session) teardown() {
	close(s.done)
	for _, mux := range s.registered {
		if err := mux.Unsubscribe(s.id); err != nil {
			s.logger.Warn("Unsubscribe on teardown failed", zap.Error(err))
		}
	}
	s.conn.Close()
	s.logger.Info("Session closed")
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Malformed client message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "subscribe":
			s.handleSubscribe(msg)
		case "change_subscription":
			s.handleChangeSubscription(ctx, msg)
		case "unsubscribe":
			s.handleUnsubscribe()
		default:
			s.logger.Warn("Unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (s *session) writeLoop(ctx context.Context) {
	balanceTicker := time.NewTicker(balancePushEvery)
	defer balanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.conn.Close()
			return
		case <-s.done:
			return
		case tick := <-s.ticks:
			s.writeJSON(tickMessage(tick))
		case msg := <-s.out:
			s.writeJSON(msg)
		case <-balanceTicker.C:
			s.pushBalances(ctx)
		}
	}
}

func (s *session) writeJSON(v interface{}) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debug("Write failed", zap.Error(err))
		s.conn.Close()
	}
}

// send 把一条主动消息排进写队列，队列满时丢弃（慢客户端不拖垮服务）
func (s *session) send(v interface{}) {
	select {
	case s.out <- v:
	default:
		s.logger.Warn("Outbound queue full, dropping message")
	}
}

// tickMessage 把内部 Tick 翻译成下游协议消息
func tickMessage(tick model.Tick) interface{} {
	if tick.Candle != nil {
		c := tick.Candle
		return klineUpdateMsg{
			Type:     "kline_update",
			Symbol:   tick.Key.Symbol,
			Interval: tick.Key.Interval,
			OpenTime: c.OpenTime,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
			IsFinal:  c.IsFinal,
		}
	}
	return marketUpdateMsg{
		Type:        "market_update",
		Symbol:      tick.Key.Symbol,
		Price:       tick.Price,
		PriceChange: tick.PriceChange,
		Timestamp:   tick.Timestamp,
	}
}

// ensureRegistered 确保会话的投递通道登记在该账户的复用器上
func (s *session) ensureRegistered(mux *market.Multiplexer, exchangeID string) {
	if _, ok := s.registered[exchangeID]; ok {
		return
	}
	mux.Registry().Register(s.id, s.ticks)
	s.registered[exchangeID] = mux
}

// handleSubscribe 整体替换 ticker 订阅集合（默认账户）
func (s *session) handleSubscribe(msg clientMessage) {
	mux, exchangeID, err := s.srv.muxFor(msg.ExchangeID)
	if err != nil {
		s.logger.Warn("Subscribe rejected", zap.Error(err))
		return
	}
	s.ensureRegistered(mux, exchangeID)
	if err := mux.SubscribeTickers(s.id, msg.Symbols); err != nil {
		s.logger.Error("Ticker subscription failed", zap.Error(err))
		return
	}
	s.logger.Info("Ticker subscription set",
		zap.String("exchange", exchangeID), zap.Strings("symbols", msg.Symbols))
}

// handleChangeSubscription 切换 kline 订阅并回填历史。
// 换到另一个账户时，旧账户那边的 kline 订阅先清掉，让它的上游及时退订。
func (s *session) handleChangeSubscription(ctx context.Context, msg clientMessage) {
	if msg.Symbol == "" || msg.Interval == "" {
		s.logger.Warn("change_subscription missing symbol or interval")
		return
	}
	if _, err := service.ParseIntervalDuration(msg.Interval); err != nil {
		s.logger.Warn("change_subscription rejected", zap.String("interval", msg.Interval), zap.Error(err))
		return
	}
	mux, exchangeID, err := s.srv.muxFor(msg.ExchangeID)
	if err != nil {
		s.logger.Warn("change_subscription rejected", zap.Error(err))
		return
	}

	if s.klineExchange != "" && s.klineExchange != exchangeID {
		if old, ok := s.registered[s.klineExchange]; ok {
			if err := old.ClearKline(s.id); err != nil {
				s.logger.Warn("Failed to clear old kline subscription", zap.Error(err))
			}
		}
	}

	s.ensureRegistered(mux, exchangeID)
	key := model.StreamKey{ExchangeID: exchangeID, Symbol: msg.Symbol, Interval: msg.Interval}
	if err := mux.ChangeSubscription(s.id, key); err != nil {
		s.logger.Error("Kline subscription failed", zap.Error(err))
		return
	}
	s.klineExchange = exchangeID

	s.sendHistory(ctx, exchangeID, msg.Symbol, msg.Interval, msg.Limit)
}

// sendHistory 推送历史 K 线；回填不可用时发空列表（"暂无数据"，非致命）
func (s *session) sendHistory(ctx context.Context, exchangeID, symbol, interval string, limit int) {
	candles, err := s.srv.backfill.GetHistory(ctx, exchangeID, symbol, interval, limit)
	if err != nil && !errors.Is(err, model.ErrBackfillUnavailable) {
		s.logger.Warn("History lookup failed", zap.Error(err))
	}

	klines := make([]klineHistory, 0, len(candles))
	for _, c := range candles {
		klines = append(klines, klineHistory{
			OpenTime: c.OpenTime, Open: c.Open, High: c.High, Low: c.Low,
			Close: c.Close, Volume: c.Volume, IsFinal: c.IsFinal,
		})
	}
	s.send(historicalKlinesMsg{
		Type:     "historical_klines",
		Symbol:   symbol,
		Interval: interval,
		Klines:   klines,
	})
}

// handleUnsubscribe 移除会话的全部订阅，连接保持打开
func (s *session) handleUnsubscribe() {
	for _, mux := range s.registered {
		if err := mux.Unsubscribe(s.id); err != nil {
			s.logger.Warn("Unsubscribe failed", zap.Error(err))
		}
	}
	s.registered = make(map[string]*market.Multiplexer)
	s.klineExchange = ""
	s.logger.Info("All subscriptions removed")
}

// pushBalances 周期性推送账户余额快照
func (s *session) pushBalances(ctx context.Context) {
	if s.srv.trader == nil {
		return
	}
	balances, err := s.srv.trader.Balances(ctx)
	if err != nil {
		s.writeJSON(balanceErrorMsg{Type: "balance_error", Error: err.Error()})
		return
	}
	s.writeJSON(balanceUpdateMsg{Type: "balance_update", Balances: balances})
}
