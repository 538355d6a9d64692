package connection

import (
	"sync"
	"time"
)

// Manager 管理所有连接，每个身份同时只保留一个活动连接
type Manager struct {
	connections map[string]*Connection // connID -> Connection
	identities  map[string]*Connection // identityID -> Connection
	mu          sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		identities:  make(map[string]*Connection),
	}
}

// Add 登记连接并绑定身份，返回被替换的旧连接（没有则为 nil）
func (m *Manager) Add(conn *Connection) (replaced *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[conn.ID()] = conn
	if old, ok := m.identities[conn.IdentityID()]; ok && old != conn {
		replaced = old
	}
	m.identities[conn.IdentityID()] = conn
	return replaced
}

// Remove 移除连接；只有当它仍是该身份的当前连接时才解除身份绑定
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.connections, conn.ID())
	if cur, ok := m.identities[conn.IdentityID()]; ok && cur == conn {
		delete(m.identities, conn.IdentityID())
	}
}

func (m *Manager) Get(connID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connID]
}

// GetByIdentity 身份当前的活动连接
func (m *Manager) GetByIdentity(identityID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identities[identityID]
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// GetAllConnections 返回所有连接（用于心跳检测）
func (m *Manager) GetAllConnections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll 关闭全部连接（进程退出时）
func (m *Manager) CloseAll(code int, reason string) {
	for _, conn := range m.GetAllConnections() {
		conn.CloseWithReason(code, reason)
	}
}

// IdleSince 返回最后活跃时间早于 cutoff 的连接
func (m *Manager) IdleSince(cutoff time.Time) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []*Connection
	for _, conn := range m.connections {
		if conn.LastActiveTime().Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	return idle
}
