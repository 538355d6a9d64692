package session

import (
	"context"

	apperrors "sudooom.im.chatsync/internal/errors"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/pipeline"
	"sudooom.im.chatsync/internal/proto"
)

func decode(env proto.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return apperrors.ErrValidation.WithMessage("invalid " + env.Event + " payload")
	}
	return nil
}

func (s *session) handleJoin(ctx context.Context, env proto.Envelope) error {
	var req proto.JoinConversation
	if err := decode(env, &req); err != nil {
		return err
	}

	conv, err := s.h.pipeline.JoinConversation(ctx, s.identity.ID, req.ConversationID)
	if conv != nil {
		s.conversations[conv.ID] = conv
	}
	return err
}

func (s *session) handleSend(ctx context.Context, env proto.Envelope) error {
	var req proto.SendMessage
	if err := decode(env, &req); err != nil {
		return err
	}

	res, err := s.h.pipeline.Send(ctx, s.conn, pipeline.SendIntent{
		Sender:         s.identity,
		RecipientID:    req.RecipientID,
		Text:           req.Text,
		MessageType:    req.MessageType,
		CorrelationID:  req.CorrelationID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return err
	}
	s.conversations[res.Conversation.ID] = res.Conversation
	return nil
}

func (s *session) handleTyping(ctx context.Context, env proto.Envelope, isTyping bool) error {
	var req proto.Typing
	if err := decode(env, &req); err != nil {
		return err
	}

	conv, err := s.conversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	peer := conv.Peer(s.identity.ID)
	if req.RecipientID != "" && req.RecipientID != peer {
		return apperrors.ErrAccessDenied
	}

	if isTyping {
		s.h.typing.Start(conv.ID, *s.identity, peer)
	} else {
		s.h.typing.Stop(conv.ID, *s.identity, peer)
	}
	return nil
}

func (s *session) handleMarkRead(ctx context.Context, env proto.Envelope) error {
	var req proto.MarkRead
	if err := decode(env, &req); err != nil {
		return err
	}
	_, err := s.h.pipeline.MarkRead(ctx, s.identity.ID, req.ConversationID)
	return err
}

func (s *session) handleOnlineUsers() error {
	online := s.h.presence.Online()
	users := make([]proto.PresenceChange, 0, len(online))
	for _, rec := range online {
		users = append(users, proto.NewPresenceChange(rec))
	}

	env, err := proto.NewEnvelope(proto.EventOnlineUsersList, users)
	if err != nil {
		return apperrors.ErrServer.Wrap(err)
	}
	return s.conn.Deliver(env)
}

// conversation 读取本连接已知的会话，未缓存时校验成员身份后缓存
func (s *session) conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	if conv, ok := s.conversations[id]; ok {
		return conv, nil
	}
	conv, err := s.h.pipeline.Authorize(ctx, s.identity.ID, id)
	if err != nil {
		return nil, err
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}
