// Package pipeline 消息管线：发送、加入会话、标记已读
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
	"sudooom.im.chatsync/internal/room"
	"sudooom.im.chatsync/internal/store"
	"sudooom.im.chatsync/internal/translate"
	"sudooom.im.chatsync/internal/workerpool"
)

// Router 管线使用的房间路由能力
type Router interface {
	Publish(group room.Group, env proto.Envelope, exclude ...string) int
	Attach(group room.Group, identityID string) bool
}

// Translator 翻译覆盖层
type Translator interface {
	Translate(ctx context.Context, text, from, to string) translate.Result
}

// Tasks 后台任务执行器
type Tasks interface {
	TrySubmit(name string, task workerpool.Task) bool
}

// Origin 发起操作的连接
type Origin interface {
	Deliver(env proto.Envelope) error
}

// SendIntent 发送意图
type SendIntent struct {
	Sender         *model.Identity
	RecipientID    string
	Text           string
	MessageType    model.MessageType
	CorrelationID  string
	ConversationID int64 // 可选，非零时必须与参与者对匹配
}

// SendResult 发送结果
type SendResult struct {
	Conversation *model.Conversation
	Message      *model.Message
	Created      bool // 本次发送新建了会话
	State        State
}

// Pipeline 消息管线
type Pipeline struct {
	store      store.Store
	router     Router
	translator Translator
	tasks      Tasks
	pairs      *KeyLock
	logger     *slog.Logger
	now        func() time.Time
}

// New 创建消息管线
func New(st store.Store, router Router, translator Translator, tasks Tasks, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      st,
		router:     router,
		translator: translator,
		tasks:      tasks,
		pairs:      NewKeyLock(),
		logger:     logger,
		now:        time.Now,
	}
}

// Send 执行一次发送。错误只回报给发送方；持久化成功之前失败不会产生任何扇出。
func (p *Pipeline) Send(ctx context.Context, origin Origin, in SendIntent) (*SendResult, error) {
	start := p.now()
	result := &SendResult{State: StateReceived}

	fail := func(err error) (*SendResult, error) {
		result.State = StateFailed
		return result, err
	}

	text, msgType, err := validate(in)
	if err != nil {
		return fail(err)
	}

	recipient, err := p.store.FindIdentity(ctx, in.RecipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(apperrors.ErrRecipientNotFound)
		}
		return fail(apperrors.ErrPersistence.Wrap(err))
	}
	if !recipient.IsVerified {
		return fail(apperrors.ErrRecipientNotFound)
	}
	result.State = StateValidated

	conv, created, err := p.resolveConversation(ctx, in.ConversationID, in.Sender.ID, recipient.ID)
	if err != nil {
		return fail(err)
	}
	result.Conversation = conv
	result.Created = created

	roomGroup := room.Conversation(conv.ID)
	p.router.Attach(roomGroup, in.Sender.ID)
	p.router.Attach(roomGroup, recipient.ID)

	msg, err := p.store.CreateMessage(ctx, &model.NewMessage{
		ConversationID: conv.ID,
		SenderID:       in.Sender.ID,
		Text:           text,
		SenderLanguage: in.Sender.PreferredLanguage,
		MessageType:    msgType,
		IsDelivered:    true,
	})
	if err != nil {
		return fail(apperrors.ErrPersistence.Wrap(err))
	}
	result.Message = msg
	result.State = StatePersisted

	payload := proto.NewMessagePayload(msg, in.Sender.AsSender(), recipient.PreferredLanguage)
	p.publish(room.Personal(recipient.ID), proto.EventNewMessage, payload, in.Sender.ID)
	p.touch(conv.ID, msg)
	result.State = StateFannedOut

	p.dispatchTranslations(payload, recipient)
	result.State = StateTranslationsDispatched

	confirm, err := proto.NewEnvelope(proto.EventMessageSent, proto.MessageSent{
		CorrelationID:    in.CorrelationID,
		Message:          payload,
		ProcessingTimeMs: p.now().Sub(start).Milliseconds(),
	})
	if err == nil {
		err = origin.Deliver(confirm)
	}
	if err != nil {
		p.logger.Warn("Failed to confirm message to sender",
			"user_id", in.Sender.ID,
			"message_id", msg.ID,
			"correlation_id", in.CorrelationID,
			"error", err)
	}
	result.State = StateConfirmed

	p.logger.Debug("Message sent",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_id", in.Sender.ID,
		"recipient_id", recipient.ID)
	return result, nil
}

func validate(in SendIntent) (string, model.MessageType, error) {
	if in.Sender == nil {
		return "", "", apperrors.ErrValidation.WithMessage("sender is required")
	}
	if strings.TrimSpace(in.CorrelationID) == "" {
		return "", "", apperrors.ErrValidation.WithMessage("correlationId is required")
	}
	if in.RecipientID == "" {
		return "", "", apperrors.ErrValidation.WithMessage("recipientId is required")
	}
	if in.RecipientID == in.Sender.ID {
		return "", "", apperrors.ErrValidation.WithMessage("cannot send a message to yourself")
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", "", apperrors.ErrValidation.WithMessage("text is required")
	}
	if utf8.RuneCountInString(text) > model.MaxTextLength {
		return "", "", apperrors.ErrValidation.WithMessage("text exceeds 1000 characters")
	}

	msgType := in.MessageType
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	if !msgType.Valid() {
		return "", "", apperrors.ErrValidation.WithMessage("unsupported messageType")
	}
	return text, msgType, nil
}

// resolveConversation 指定了会话 ID 时只校验不创建，否则按参与者对幂等创建
func (p *Pipeline) resolveConversation(ctx context.Context, conversationID int64, senderID, recipientID string) (*model.Conversation, bool, error) {
	if conversationID == 0 {
		conv, created, err := p.createOrGet(ctx, senderID, recipientID)
		if err != nil {
			return nil, false, apperrors.ErrPersistence.Wrap(err)
		}
		return conv, created, nil
	}

	conv, err := p.store.FindConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, apperrors.ErrAccessDenied
		}
		return nil, false, apperrors.ErrPersistence.Wrap(err)
	}
	if model.PairKey(conv.ParticipantA, conv.ParticipantB) != model.PairKey(senderID, recipientID) {
		return nil, false, apperrors.ErrAccessDenied
	}
	return conv, false, nil
}

// createOrGet 在参与者对上串行化，首次联系并发时也只会创建一个会话
func (p *Pipeline) createOrGet(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	unlock := p.pairs.Lock(model.PairKey(a, b))
	defer unlock()
	return p.store.CreateOrGetConversation(ctx, a, b)
}

func (p *Pipeline) touch(conversationID int64, msg *model.Message) {
	p.tasks.TrySubmit("touch-conversation", func(ctx context.Context) {
		if err := p.store.TouchConversation(ctx, conversationID, msg.ID, msg.CreatedAt); err != nil {
			p.logger.Warn("Failed to update conversation",
				"conversation_id", conversationID,
				"message_id", msg.ID,
				"error", err)
		}
	})
}

// dispatchTranslations 每个不同于发送方的目标语言一个独立请求
func (p *Pipeline) dispatchTranslations(payload proto.MessagePayload, readers ...*model.Identity) {
	seen := make(map[string]bool)
	for _, reader := range readers {
		lang := reader.PreferredLanguage
		if lang == "" || lang == payload.SenderLanguage || seen[lang] {
			continue
		}
		seen[lang] = true

		targets := []string{reader.ID}
		for _, other := range readers {
			if other.ID != reader.ID && other.PreferredLanguage == lang {
				targets = append(targets, other.ID)
			}
		}

		p.tasks.TrySubmit("translate", func(ctx context.Context) {
			res := p.translator.Translate(ctx, payload.OriginalText, payload.SenderLanguage, lang)
			if !res.Translated {
				return
			}
			translated := payload.Translated(res.Text)
			translated.RecipientLanguage = lang
			for _, id := range targets {
				p.publish(room.Personal(id), proto.EventMessageTranslated, translated)
			}
		})
	}
}

// Authorize 读取会话并校验参与者身份
func (p *Pipeline) Authorize(ctx context.Context, identityID string, conversationID int64) (*model.Conversation, error) {
	conv, err := p.store.FindConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrAccessDenied
		}
		return nil, apperrors.ErrPersistence.Wrap(err)
	}
	if !conv.HasParticipant(identityID) {
		return nil, apperrors.ErrAccessDenied
	}
	return conv, nil
}

// JoinConversation 加入会话房间，并将对方发来的未送达消息标记为已送达
func (p *Pipeline) JoinConversation(ctx context.Context, identityID string, conversationID int64) (*model.Conversation, error) {
	conv, err := p.Authorize(ctx, identityID, conversationID)
	if err != nil {
		return nil, err
	}

	p.router.Attach(room.Conversation(conv.ID), identityID)

	n, err := p.store.MarkDelivered(ctx, conv.ID, identityID, p.now())
	if err != nil {
		return conv, apperrors.ErrPersistence.WithMessage("failed to join conversation").Wrap(err)
	}
	p.logger.Debug("Joined conversation",
		"conversation_id", conv.ID,
		"user_id", identityID,
		"delivered", n)
	return conv, nil
}

// JoinAll 连接建立时加入身份参与的全部会话房间
func (p *Pipeline) JoinAll(ctx context.Context, identityID string) ([]*model.Conversation, error) {
	convs, err := p.store.ListConversations(ctx, identityID)
	if err != nil {
		return nil, apperrors.ErrPersistence.Wrap(err)
	}
	for _, conv := range convs {
		p.router.Attach(room.Conversation(conv.ID), identityID)
	}
	return convs, nil
}

// MarkRead 标记对方消息已读，并向会话房间（不含读者自己）发送已读回执
func (p *Pipeline) MarkRead(ctx context.Context, identityID string, conversationID int64) (time.Time, error) {
	conv, err := p.Authorize(ctx, identityID, conversationID)
	if err != nil {
		return time.Time{}, err
	}

	readAt := p.now()
	n, err := p.store.MarkRead(ctx, conv.ID, identityID, readAt)
	if err != nil {
		return time.Time{}, apperrors.ErrPersistence.WithMessage("failed to mark messages as read").Wrap(err)
	}

	p.publish(room.Conversation(conv.ID), proto.EventMessagesRead, proto.MessagesRead{
		ConversationID: conv.ID,
		ReadBy:         identityID,
		ReadAt:         readAt,
	}, identityID)

	p.logger.Debug("Messages marked read",
		"conversation_id", conv.ID,
		"user_id", identityID,
		"count", n)
	return readAt, nil
}

func (p *Pipeline) publish(group room.Group, event string, payload any, exclude ...string) {
	env, err := proto.NewEnvelope(event, payload)
	if err != nil {
		p.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	p.router.Publish(group, env, exclude...)
}
