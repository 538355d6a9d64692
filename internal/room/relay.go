package room

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/proto"
)

// NATS Subject 定义
// 完整格式: chatsync.room.{user|conversation|broadcast}
const (
	SubjectPrefix    = "chatsync.room."
	SubjectWildcard  = SubjectPrefix + ">"
	SubjectBroadcast = SubjectPrefix + "broadcast"
)

// relayMessage 节点间转发的消息
type relayMessage struct {
	Origin   string         `json:"origin"`
	Group    Group          `json:"group,omitempty"`
	Exclude  []string       `json:"exclude,omitempty"`
	Envelope proto.Envelope `json:"envelope"`
}

// BuildSubject 按订阅组类型构建 Subject
func BuildSubject(group Group) string {
	kind, _, _ := strings.Cut(string(group), ":")
	return SubjectPrefix + kind
}

// Connect 连接 NATS
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.Timeout(10 * time.Second),
	}
	return nats.Connect(cfg.URL, opts...)
}

// NATSRelay 通过 NATS 在节点间转发房间事件，忽略本节点发出的消息
type NATSRelay struct {
	nc     *nats.Conn
	nodeID string
	router *Router
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSRelay 创建转发器并挂到 router 上
func NewNATSRelay(nc *nats.Conn, nodeID string, router *Router, logger *slog.Logger) *NATSRelay {
	if logger == nil {
		logger = slog.Default()
	}
	relay := &NATSRelay{
		nc:     nc,
		nodeID: nodeID,
		router: router,
		logger: logger,
	}
	router.SetRelay(relay)
	return relay
}

// Start 订阅其他节点的转发
func (r *NATSRelay) Start() error {
	sub, err := r.nc.Subscribe(SubjectWildcard, r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("Room relay started", "subject", SubjectWildcard, "node_id", r.nodeID)
	return nil
}

// Stop 取消订阅
func (r *NATSRelay) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *NATSRelay) Publish(group Group, env proto.Envelope, exclude []string) error {
	return r.publish(BuildSubject(group), relayMessage{
		Origin:   r.nodeID,
		Group:    group,
		Exclude:  exclude,
		Envelope: env,
	})
}

func (r *NATSRelay) Broadcast(env proto.Envelope, exclude []string) error {
	return r.publish(SubjectBroadcast, relayMessage{
		Origin:   r.nodeID,
		Exclude:  exclude,
		Envelope: env,
	})
}

func (r *NATSRelay) publish(subject string, msg relayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.nc.Publish(subject, data)
}

func (r *NATSRelay) handle(msg *nats.Msg) {
	var rm relayMessage
	if err := json.Unmarshal(msg.Data, &rm); err != nil {
		r.logger.Error("Failed to unmarshal relay message", "subject", msg.Subject, "error", err)
		return
	}
	if rm.Origin == r.nodeID {
		return
	}

	if msg.Subject == SubjectBroadcast {
		r.router.BroadcastLocal(rm.Envelope, rm.Exclude)
		return
	}
	r.router.DeliverLocal(rm.Group, rm.Envelope, rm.Exclude)
}
