package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
)

var (
	ErrClosed      = errors.New("client closed")
	ErrMissingSelf = errors.New("options.Self is required")
)

const (
	writeWait     = 10 * time.Second
	sweepInterval = 500 * time.Millisecond
	eventBuffer   = 256
)

// Options 客户端参数
type Options struct {
	Token                string
	Self                 string // 本地身份 id
	AssumeDeliveredAfter time.Duration
	Logger               *slog.Logger
}

// Client 连接 /ws 的聊天客户端，入站事件先交给对账引擎，再转发给 Events。
// Events 缓冲区满时事件被丢弃，引擎状态不受影响。
type Client struct {
	ws      *websocket.Conn
	engine  *Engine
	logger  *slog.Logger
	events  chan proto.Envelope
	dropped atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial 建立连接；握手被拒绝时返回的错误包含 HTTP 状态码
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Self == "" {
		return nil, ErrMissingSelf
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: handshake rejected with status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:     ws,
		engine: NewEngine(opts.Self, opts.AssumeDeliveredAfter),
		logger: opts.Logger.With("user_id", opts.Self),
		events: make(chan proto.Envelope, eventBuffer),
		done:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.sweepLoop()
	return c, nil
}

// Engine 对账引擎
func (c *Client) Engine() *Engine {
	return c.engine
}

// Events 入站事件流，连接断开后关闭
func (c *Client) Events() <-chan proto.Envelope {
	return c.events
}

// Done 连接关闭时关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("Client read failed", "error", err)
			}
			return
		}

		env, err := proto.Unmarshal(data)
		if err != nil {
			c.logger.Warn("Dropping malformed event", "error", err)
			continue
		}
		c.apply(env)

		select {
		case c.events <- env:
		default:
			if n := c.dropped.Add(1); n == 1 || n%eventBuffer == 0 {
				c.logger.Warn("Event stream full, dropping events", "event", env.Event, "dropped", n)
			}
		}
	}
}

// Dropped 因 Events 未被及时读取而丢弃的事件数
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) apply(env proto.Envelope) {
	var err error
	switch env.Event {
	case proto.EventMessageSent:
		var sent proto.MessageSent
		if err = env.Decode(&sent); err == nil {
			c.engine.Confirm(sent)
		}
	case proto.EventNewMessage:
		var msg proto.MessagePayload
		if err = env.Decode(&msg); err == nil {
			c.engine.Receive(msg)
		}
	case proto.EventMessageTranslated:
		var msg proto.MessagePayload
		if err = env.Decode(&msg); err == nil {
			c.engine.ApplyTranslation(msg)
		}
	case proto.EventMessagesRead:
		var receipt proto.MessagesRead
		if err = env.Decode(&receipt); err == nil {
			c.engine.ApplyRead(receipt)
		}
	}
	if err != nil {
		c.logger.Warn("Failed to decode event", "event", env.Event, "error", err)
	}
}

func (c *Client) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.engine.Sweep(now)
		case <-c.done:
			return
		}
	}
}

func (c *Client) emit(event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	env, err := proto.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Send 生成 correlationId，先写入乐观条目再发出
func (c *Client) Send(recipientID, text string) (Entry, error) {
	return c.SendTyped(recipientID, text, model.MessageTypeText)
}

// SendTyped 指定消息类型发送
func (c *Client) SendTyped(recipientID, text string, msgType model.MessageType) (Entry, error) {
	correlationID := uuid.NewString()
	entry := c.engine.Send(recipientID, text, msgType, correlationID, time.Now())
	err := c.emit(proto.EventSendMessage, proto.SendMessage{
		RecipientID:   recipientID,
		Text:          text,
		MessageType:   msgType,
		CorrelationID: correlationID,
	})
	return entry, err
}

func (c *Client) JoinConversation(conversationID int64) error {
	return c.emit(proto.EventJoinConversation, proto.JoinConversation{ConversationID: conversationID})
}

func (c *Client) StartTyping(conversationID int64, recipientID string) error {
	return c.emit(proto.EventTypingStart, proto.Typing{ConversationID: conversationID, RecipientID: recipientID})
}

func (c *Client) StopTyping(conversationID int64, recipientID string) error {
	return c.emit(proto.EventTypingStop, proto.Typing{ConversationID: conversationID, RecipientID: recipientID})
}

func (c *Client) MarkRead(conversationID int64) error {
	return c.emit(proto.EventMarkRead, proto.MarkRead{ConversationID: conversationID})
}

func (c *Client) RequestOnlineUsers() error {
	return c.emit(proto.EventGetOnlineUsers, nil)
}

// Close 关闭连接，可重复调用
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

// Wait 等待后台循环退出
func (c *Client) Wait() {
	c.wg.Wait()
}
