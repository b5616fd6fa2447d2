package market

import (
	"sync"

	"dca-trader/internal/model"
)

// Registry 管理下游会话与其订阅流之间的映射。
// 每个会话至多持有一个 kline 订阅和一组 ticker 订阅；换 symbol/interval 原子替换。
// 反向索引 byKey 让 NeededKeys 和投递都是 O(去重后的 key 数) 而不是 O(会话数)。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	byKey    map[model.StreamKey]map[string]chan<- model.Tick
}

type sessionEntry struct {
	ch      chan<- model.Tick
	kline   *model.StreamKey
	tickers map[model.StreamKey]struct{}
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		byKey:    make(map[model.StreamKey]map[string]chan<- model.Tick),
	}
}

// Register 登记一个会话及其投递通道。重复登记会替换通道。
func (r *Registry) Register(sessionID string, ch chan<- model.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.sessions[sessionID]; ok {
		entry.ch = ch
		r.reindexLocked(sessionID, entry)
		return
	}
	r.sessions[sessionID] = &sessionEntry{
		ch:      ch,
		tickers: make(map[model.StreamKey]struct{}),
	}
}

// SetKline 原子替换会话的 kline 订阅，返回被替换掉的旧 key（如有）
func (r *Registry) SetKline(sessionID string, key model.StreamKey) (old *model.StreamKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	if entry.kline != nil {
		old = entry.kline
		r.dropIndexLocked(*entry.kline, sessionID)
	}
	k := key
	entry.kline = &k
	r.addIndexLocked(key, sessionID, entry.ch)
	return old
}

// SetTickers 整体替换会话的 ticker 订阅集合
func (r *Registry) SetTickers(sessionID string, keys []model.StreamKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return
	}

	for k := range entry.tickers {
		r.dropIndexLocked(k, sessionID)
	}
	entry.tickers = make(map[model.StreamKey]struct{}, len(keys))
	for _, k := range keys {
		entry.tickers[k] = struct{}{}
		r.addIndexLocked(k, sessionID, entry.ch)
	}
}

// ClearKline 移除会话的 kline 订阅
func (r *Registry) ClearKline(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok || entry.kline == nil {
		return
	}
	r.dropIndexLocked(*entry.kline, sessionID)
	entry.kline = nil
}

// Remove 彻底移除会话（断连或显式退订），不影响其他会话。
// 订阅者立即删除，需要的流集合由调用方重新计算。
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if entry.kline != nil {
		r.dropIndexLocked(*entry.kline, sessionID)
	}
	for k := range entry.tickers {
		r.dropIndexLocked(k, sessionID)
	}
	delete(r.sessions, sessionID)
}

// NeededKeys 返回所有会话订阅的去重 StreamKey 集合
func (r *Registry) NeededKeys() map[model.StreamKey]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[model.StreamKey]struct{}, len(r.byKey))
	for k := range r.byKey {
		out[k] = struct{}{}
	}
	return out
}

// Deliver 把一个 Tick 投递给订阅了该 key 的所有会话。
// 非阻塞发送：某个订阅者的队列满了就丢给它的这条消息，不拖累其他订阅者。
// 返回实际投递成功的会话数。
func (r *Registry) Deliver(key model.StreamKey, tick model.Tick) int {
	r.mu.RLock()
	subs := r.byKey[key]
	chans := make([]chan<- model.Tick, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ch := range chans {
		select {
		case ch <- tick:
			delivered++
		default:
		}
	}
	return delivered
}

// SessionCount 返回订阅了某个 key 的会话数量
func (r *Registry) SessionCount(key model.StreamKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

func (r *Registry) addIndexLocked(key model.StreamKey, sessionID string, ch chan<- model.Tick) {
	m, ok := r.byKey[key]
	if !ok {
		m = make(map[string]chan<- model.Tick)
		r.byKey[key] = m
	}
	m[sessionID] = ch
}

func (r *Registry) dropIndexLocked(key model.StreamKey, sessionID string) {
	if m, ok := r.byKey[key]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.byKey, key)
		}
	}
}

func (r *Registry) reindexLocked(sessionID string, entry *sessionEntry) {
	if entry.kline != nil {
		r.addIndexLocked(*entry.kline, sessionID, entry.ch)
	}
	for k := range entry.tickers {
		r.addIndexLocked(k, sessionID, entry.ch)
	}
}
