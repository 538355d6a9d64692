package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/proto"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("write queue full")
)

const (
	writeWait        = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	defaultQueueSize = 256
	defaultReadLimit = 64 * 1024
)

// Options 连接参数
type Options struct {
	QueueSize int           // 出站队列长度
	ReadLimit int64         // 单条入站消息上限（字节）
	PongWait  time.Duration // 等待 pong 的最长时间，ping 间隔为其 9/10
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	return o
}

// Connection 表示一个已认证的客户端连接，生命周期内只绑定一个身份
type Connection struct {
	id         string
	identity   *model.Identity
	ws         *websocket.Conn
	opts       Options
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64
}

// New 包装 websocket 连接并启动写循环
func New(ws *websocket.Conn, identity *model.Identity, opts Options, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	id := uuid.NewString()

	c := &Connection{
		id:         id,
		identity:   identity,
		ws:         ws,
		opts:       opts,
		logger:     logger.With("conn_id", id, "user_id", identity.ID),
		writeChan:  make(chan []byte, opts.QueueSize),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
	}
	c.UpdateActive()
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) IdentityID() string {
	return c.identity.ID
}

func (c *Connection) Identity() *model.Identity {
	return c.identity
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}

// UpdateActive 刷新最后活跃时间
func (c *Connection) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActiveTime 最后一次收到入站数据（含 pong）的时间
func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Deliver 编码事件并放入出站队列
func (c *Connection) Deliver(env proto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Send 非阻塞入队；队列满时丢弃该帧，不影响其他连接的扇出
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		c.logger.Warn("Write queue full, dropping frame", "queue_size", c.opts.QueueSize)
		return ErrQueueFull
	}
}

// ReadLoop 按到达顺序读取文本帧并交给 handle，直到连接出错或关闭
func (c *Connection) ReadLoop(handle func(data []byte)) error {
	c.ws.SetReadLimit(c.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.UpdateActive()
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection read failed", "error", err)
			}
			return err
		}
		c.UpdateActive()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeChan:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Failed to write frame", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Failed to write ping", "error", err)
				c.Close()
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Done 连接关闭时关闭的通道
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// Close 正常关闭
func (c *Connection) Close() {
	c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason 发送关闭帧后断开，可重复调用
func (c *Connection) CloseWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}
