package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dca-trader/internal/exchange"
	"dca-trader/internal/market"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server 是下游 WebSocket 服务：/ws 行情订阅、/healthz、/metrics。
// 每个交易所账户一个复用器，会话通过 exchangeId 选择账户，缺省用 defaultExchange。
type Server struct {
	addr            string
	muxes           map[string]*market.Multiplexer
	defaultExchange string
	backfill        *market.Backfill
	trader          exchange.Trader
	logger          *zap.Logger
	upgrader        websocket.Upgrader
}

func New(addr string, muxes map[string]*market.Multiplexer, defaultExchange string,
	backfill *market.Backfill, trader exchange.Trader, logger *zap.Logger) *Server {
	return &Server{
		addr:            addr,
		muxes:           muxes,
		defaultExchange: defaultExchange,
		backfill:        backfill,
		trader:          trader,
		logger:          logger.With(zap.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// muxFor 按账户 ID 取复用器，空 ID 落到默认账户
func (s *Server) muxFor(exchangeID string) (*market.Multiplexer, string, error) {
	if exchangeID == "" {
		exchangeID = s.defaultExchange
	}
	mux, ok := s.muxes[exchangeID]
	if !ok {
		return nil, "", fmt.Errorf("unknown exchange: %q", exchangeID)
	}
	return mux, exchangeID, nil
}

// Run 启动 HTTP 服务并阻塞到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) {
		s.handleWS(ctx, c)
	})

	srv := &http.Server{Addr: s.addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWS 升级连接并运行会话到连接结束
func (s *Server) handleWS(ctx context.Context, c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(conn, s)
	s.logger.Info("Session connected",
		zap.String("session", sess.id), zap.String("remote", conn.RemoteAddr().String()))
	sess.run(ctx)
}
