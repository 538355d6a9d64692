package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerate_Monotonic(t *testing.T) {
	node := NewNode(3)

	prev := node.Generate()
	for i := 0; i < 10000; i++ {
		id := node.Generate()
		if id <= prev {
			t.Fatalf("Expected strictly increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestGenerate_ConcurrentUnique(t *testing.T) {
	node := NewNode(1)

	const workers = 8
	const perWorker = 2000

	var mu sync.Mutex
	seen := make(map[ID]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]ID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, node.Generate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

func TestID_Time(t *testing.T) {
	node := NewNode(1)
	before := time.Now().Add(-time.Millisecond)
	id := node.Generate()
	after := time.Now().Add(time.Millisecond)

	ts := id.Time()
	if ts.Before(before) || ts.After(after) {
		t.Errorf("Expected id time between %v and %v, got %v", before, after, ts)
	}
}

func TestNewNode_InvalidNodeID(t *testing.T) {
	node := NewNode(-5)
	if node.nodeID != 1 {
		t.Errorf("Expected fallback node id 1, got %d", node.nodeID)
	}

	node = NewNode(maxNodeID + 1)
	if node.nodeID != 1 {
		t.Errorf("Expected fallback node id 1, got %d", node.nodeID)
	}
}

func TestID_String(t *testing.T) {
	if got := ID(1234567890123).String(); got != "1234567890123" {
		t.Errorf("Expected '1234567890123', got '%s'", got)
	}
}

// fakeClock 按调用顺序返回预设的毫秒时间
type fakeClock struct {
	ticks []int64
	i     int
}

func (c *fakeClock) now() int64 {
	t := c.ticks[c.i]
	if c.i < len(c.ticks)-1 {
		c.i++
	}
	return t
}

func TestGenerate_ClockRollback(t *testing.T) {
	base := epoch + 10_000

	tests := []struct {
		name  string
		ticks []int64
	}{
		{"steady", []int64{base, base + 1, base + 2}},
		{"same millisecond", []int64{base, base, base}},
		{"rolled back", []int64{base + 50, base, base - 30}},
		{"rolled back then recovered", []int64{base, base - 5, base + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{ticks: tt.ticks}
			node := newNode(2, clock.now)

			prev := node.Generate()
			for i := 0; i < len(tt.ticks)-1; i++ {
				id := node.Generate()
				assert.Greater(t, id, prev)
				prev = id
			}
		})
	}
}

func TestGenerate_SequenceExhausted(t *testing.T) {
	base := epoch + 10_000
	node := newNode(1, func() int64 { return base })

	var prev ID
	for i := 0; i < maxSequence+3; i++ {
		id := node.Generate()
		assert.Greater(t, id, prev)
		prev = id
	}
	// 序号用尽后借用下一毫秒，不再忙等
	assert.Equal(t, time.UnixMilli(base+1), prev.Time())
}

func TestObserve_PersistedIDStaysBehind(t *testing.T) {
	base := epoch + 10_000

	// 上一次运行生成的 ID 比当前时钟更晚
	previous := newNode(1, func() int64 { return base + 500 })
	persisted := previous.Generate()

	tests := []struct {
		name    string
		observe []ID
	}{
		{"latest persisted", []ID{persisted}},
		{"older then latest", []ID{persisted - 1<<timestampShift, persisted}},
		{"latest then older", []ID{persisted, persisted - 1<<timestampShift}},
		{"ignores zero", []ID{0, persisted}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newNode(1, func() int64 { return base })
			for _, id := range tt.observe {
				node.Observe(id)
			}
			assert.Greater(t, node.Generate(), persisted)
		})
	}
}
