// Package session 连接会话：上线注册、客户端事件分发、下线清理
package session

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"

	"sudooom.im.chatsync/internal/connection"
	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/pipeline"
	"sudooom.im.chatsync/internal/presence"
	"sudooom.im.chatsync/internal/proto"
	"sudooom.im.chatsync/internal/room"
	"sudooom.im.chatsync/internal/typing"
)

// CloseReplaced 同一身份建立新连接时旧连接的关闭码
const CloseReplaced = 4001

// Handler 会话处理器，所有连接共享
type Handler struct {
	connMgr  *connection.Manager
	router   *room.Router
	presence *presence.Registry
	typing   *typing.Tracker
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func NewHandler(connMgr *connection.Manager, router *room.Router, registry *presence.Registry, tracker *typing.Tracker, pipe *pipeline.Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		connMgr:  connMgr,
		router:   router,
		presence: registry,
		typing:   tracker,
		pipeline: pipe,
		logger:   logger,
	}
}

// session 单个连接的状态，只在该连接的读循环中访问
type session struct {
	h             *Handler
	conn          *connection.Connection
	identity      *model.Identity
	conversations map[int64]*model.Conversation
	logger        *slog.Logger
}

// Serve 运行已认证连接直到断开（阻塞）。入站事件按到达顺序逐个处理。
func (h *Handler) Serve(ctx context.Context, conn *connection.Connection) {
	s := &session{
		h:             h,
		conn:          conn,
		identity:      conn.Identity(),
		conversations: make(map[int64]*model.Conversation),
		logger:        h.logger.With("conn_id", conn.ID(), "user_id", conn.IdentityID()),
	}

	if err := s.connect(ctx); err != nil {
		s.sendError(err, "connect")
		h.connMgr.Remove(conn)
		h.router.UnsubscribeAll(conn.IdentityID(), conn.ID())
		conn.CloseWithReason(websocket.ClosePolicyViolation, apperrors.GetMessage(err))
		return
	}
	defer s.disconnect(context.WithoutCancel(ctx))

	if err := conn.ReadLoop(func(data []byte) { s.dispatch(ctx, data) }); err != nil {
		s.logger.Debug("Read loop ended", "error", err)
	}
}

func (s *session) connect(ctx context.Context) error {
	h := s.h
	old := h.connMgr.Add(s.conn)

	h.router.Subscribe(room.Personal(s.identity.ID), s.conn)

	convs, err := h.pipeline.JoinAll(ctx, s.identity.ID)
	if err != nil {
		// 房间可以之后通过 join-conversation 补加入
		s.logger.Warn("Failed to join conversation rooms", "error", err)
		s.sendError(err, "connect")
	}
	for _, conv := range convs {
		s.conversations[conv.ID] = conv
	}

	if _, err := h.presence.Register(ctx, s.identity, s.conn.ID()); err != nil {
		return err
	}

	// 新句柄登记之后再关闭旧连接，旧连接的下线处理因句柄不匹配而被忽略
	if old != nil {
		s.logger.Info("Replacing previous connection", "old_conn_id", old.ID())
		old.CloseWithReason(CloseReplaced, "replaced by a new connection")
	}

	s.logger.Info("User connected", "conversations", len(convs))
	return nil
}

// disconnect 顺序固定：先清输入状态，再下线广播（依赖房间成员关系），最后退订
func (s *session) disconnect(ctx context.Context) {
	h := s.h
	current := h.connMgr.GetByIdentity(s.identity.ID) == s.conn
	h.connMgr.Remove(s.conn)
	s.conn.Close()

	if current {
		if n := h.typing.ClearUser(s.identity.ID); n > 0 {
			s.logger.Debug("Cleared typing signals", "count", n)
		}
	}
	h.presence.Unregister(ctx, s.identity.ID, s.conn.ID())
	h.router.UnsubscribeAll(s.identity.ID, s.conn.ID())

	s.logger.Info("User disconnected", "replaced", !current)
}

func (s *session) dispatch(ctx context.Context, data []byte) {
	env, err := proto.Unmarshal(data)
	if err != nil {
		s.sendError(apperrors.ErrValidation.WithMessage("malformed event"), "")
		return
	}

	switch env.Event {
	case proto.EventJoinConversation:
		err = s.handleJoin(ctx, env)
	case proto.EventSendMessage:
		err = s.handleSend(ctx, env)
	case proto.EventTypingStart:
		err = s.handleTyping(ctx, env, true)
	case proto.EventTypingStop:
		err = s.handleTyping(ctx, env, false)
	case proto.EventMarkRead:
		err = s.handleMarkRead(ctx, env)
	case proto.EventGetOnlineUsers:
		err = s.handleOnlineUsers()
	default:
		err = apperrors.ErrValidation.WithMessage("unknown event")
	}

	if err != nil {
		s.sendError(err, env.Event)
	}
}

// sendError 错误只发给当前连接
func (s *session) sendError(err error, where string) {
	code := apperrors.GetCode(err)
	if code == apperrors.CodeServerError || code == apperrors.CodePersistence {
		s.logger.Error("Operation failed", "context", where, "error", err)
	} else {
		s.logger.Debug("Operation rejected", "context", where, "error", err)
	}

	env, encErr := proto.NewEnvelope(proto.EventError, proto.Error{
		Code:    code,
		Message: apperrors.GetMessage(err),
		Context: where,
	})
	if encErr != nil {
		return
	}
	_ = s.conn.Deliver(env)
}
