package snowflake

import (
	"strconv"
	"sync"
	"time"
)

// 布局：41 位毫秒时间 | 10 位节点 | 12 位序号
const (
	// 2024-01-01 00:00:00 UTC
	epoch int64 = 1704067200000

	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = nodeBits + sequenceBits
)

// ID 消息与会话的全局标识，同一节点内严格递增，是会话内消息排序的唯一依据
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id ID) Int64() int64 {
	return int64(id)
}

// Time 返回 ID 中编码的毫秒时间
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timestampShift) + epoch)
}

// Node ID 生成节点
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
	clock    func() int64
}

// NewNode 创建生成节点，非法节点号回退为 1
func NewNode(nodeID int64) *Node {
	return newNode(nodeID, func() int64 { return time.Now().UnixMilli() })
}

func newNode(nodeID int64, clock func() int64) *Node {
	if nodeID < 0 || nodeID > maxNodeID {
		nodeID = 1
	}
	return &Node{nodeID: nodeID, clock: clock}
}

// Observe 记录一个已持久化的 ID，之后生成的 ID 一定大于它。
// 重启后时钟回拨时，新消息仍排在历史消息之后。
func (n *Node) Observe(id ID) {
	if id <= 0 {
		return
	}
	ms := (int64(id) >> timestampShift) + epoch
	seq := int64(id) & maxSequence

	n.mu.Lock()
	defer n.mu.Unlock()
	if ms > n.lastTime || (ms == n.lastTime && seq > n.sequence) {
		n.lastTime = ms
		n.sequence = seq
	}
}

// Generate 生成下一个 ID
func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock()
	// 时钟回拨时沿用上次时间
	if now < n.lastTime {
		now = n.lastTime
	}

	if now == n.lastTime {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			// 序号用尽，借用下一毫秒
			now = n.lastTime + 1
		}
	} else {
		n.sequence = 0
	}
	n.lastTime = now

	return ID(((now - epoch) << timestampShift) | (n.nodeID << nodeShift) | n.sequence)
}
