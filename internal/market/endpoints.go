package market

import (
	"fmt"
	"sync"
	"time"

	"dca-trader/internal/service"
)

// Endpoints 是一个交易所账户解析出的连接端点
type Endpoints struct {
	WSURL   string
	RESTURL string
	Testnet bool
}

// EndpointSource 提供账户到端点的原始查询（配置、数据库等）
type EndpointSource interface {
	Lookup(exchangeID string) (Endpoints, error)
}

// ConfigEndpointSource 从静态配置解析端点
type ConfigEndpointSource struct {
	Exchanges map[string]service.ExchangeConfig
}

func (s *ConfigEndpointSource) Lookup(exchangeID string) (Endpoints, error) {
	cfg, ok := s.Exchanges[exchangeID]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown exchange account: %s", exchangeID)
	}
	return Endpoints{WSURL: cfg.WSURL, RESTURL: cfg.RESTURL, Testnet: cfg.Testnet}, nil
}

// EndpointResolver 在 EndpointSource 之上加一层带 TTL 的缓存，
// 避免每次建连都回查来源。
type EndpointResolver struct {
	source EndpointSource
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedEndpoints
	now   func() time.Time // 测试可替换
}

type cachedEndpoints struct {
	endpoints Endpoints
	expiresAt time.Time
}

// NewEndpointResolver 创建解析器，ttl<=0 时默认 1 分钟
func NewEndpointResolver(source EndpointSource, ttl time.Duration) *EndpointResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &EndpointResolver{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cachedEndpoints),
		now:    time.Now,
	}
}

// Resolve 返回账户的连接端点，缓存命中且未过期时不回查来源
func (r *EndpointResolver) Resolve(exchangeID string) (Endpoints, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[exchangeID]; ok && r.now().Before(entry.expiresAt) {
		return entry.endpoints, nil
	}

	eps, err := r.source.Lookup(exchangeID)
	if err != nil {
		return Endpoints{}, fmt.Errorf("resolve endpoints for %s: %w", exchangeID, err)
	}
	r.cache[exchangeID] = cachedEndpoints{endpoints: eps, expiresAt: r.now().Add(r.ttl)}
	return eps, nil
}

// Invalidate 主动失效某个账户的缓存（端点变更后调用）
func (r *EndpointResolver) Invalidate(exchangeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, exchangeID)
}
