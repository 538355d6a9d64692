// Package server HTTP 入口：websocket 握手、健康检查、在线状态查询
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/connection"
	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/health"
	"sudooom.im.chatsync/internal/identity"
	"sudooom.im.chatsync/internal/presence"
	"sudooom.im.chatsync/internal/proto"
	"sudooom.im.chatsync/internal/session"
)

type Server struct {
	cfg        *config.Config
	verifier   *identity.Verifier
	handler    *session.Handler
	connMgr    *connection.Manager
	presence   *presence.Registry
	checker    *health.Checker
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	engine     *gin.Engine
	wg         sync.WaitGroup

	mu         sync.Mutex
	baseCtx    context.Context
	httpServer *http.Server
}

func New(cfg *config.Config, verifier *identity.Verifier, handler *session.Handler, connMgr *connection.Manager, registry *presence.Registry, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		handler:  handler,
		connMgr:  connMgr,
		presence: registry,
		checker:  checker,
		logger:   logger,
		baseCtx:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Server.WriteBuffer,
			WriteBufferSize: cfg.Server.WriteBuffer,
			// TODO: 生产环境应按配置的来源白名单检查 Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.setupRouter()
	return s
}

// Handler 返回 HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 启动 HTTP 服务（阻塞直到 Shutdown）
func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.engine,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("HTTP server starting", "addr", s.cfg.Server.Addr, "tls", tlsConfig != nil)

	if tlsConfig != nil {
		err = httpServer.ListenAndServeTLS("", "")
	} else {
		err = httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 停止接受新连接，关闭现有连接并等待会话清理完成
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	s.connMgr.CloseAll(websocket.CloseGoingAway, "server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded TLS certificate",
			"cert_file", s.cfg.Server.TLSCert,
			"key_file", s.cfg.Server.TLSKey)
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	// 开发环境：生成自签名证书
	if s.cfg.Server.SelfSigned {
		return generateSelfSignedTLSConfig()
	}
	return nil, nil
}

// handleWebSocket 握手阶段校验令牌，失败时不升级连接
func (s *Server) handleWebSocket(c *gin.Context) {
	ident, err := s.verifier.Verify(c.Request.Context(), identity.TokenFromRequest(c.Request))
	if err != nil {
		s.logger.Debug("Handshake rejected", "remote", c.ClientIP(), "error", err)
		fail(c, http.StatusUnauthorized, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "user_id", ident.ID, "error", err)
		return
	}

	conn := connection.New(ws, ident, connection.Options{
		QueueSize: s.cfg.Connection.QueueSize,
		ReadLimit: s.cfg.Server.ReadLimit,
	}, s.logger)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	s.handler.Serve(ctx, conn)
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, gin.H{"status": "ok", "connections": s.connMgr.Count()})
}

func (s *Server) handlePresence(c *gin.Context) {
	ok(c, s.presence.Snapshot())
}

// handleUserPresence 查询单个用户在线状态，包括连接在其他节点上的用户
func (s *Server) handleUserPresence(c *gin.Context) {
	rec, found := s.presence.Lookup(c.Request.Context(), c.Param("userId"))
	if !found {
		fail(c, http.StatusNotFound, apperrors.ErrRecipientNotFound.WithMessage("user not found"))
		return
	}
	ok(c, proto.NewPresenceChange(rec))
}

// tokenAuth HTTP 接口的令牌认证中间件
func (s *Server) tokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := s.verifier.Verify(c.Request.Context(), identity.TokenFromRequest(c.Request))
		if err != nil {
			fail(c, http.StatusUnauthorized, err)
			c.Abort()
			return
		}
		c.Set("user_id", ident.ID)
		c.Next()
	}
}

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, Response{Code: apperrors.GetCode(err), Message: apperrors.GetMessage(err)})
}
