package workerpool

import (
	"context"
	"log/slog"
	"sync"
)

// Task 后台任务，调用方不等待其结果，失败只记录日志
type Task func(ctx context.Context)

type job struct {
	name string
	task Task
}

// Pool Worker Pool 实现
type Pool struct {
	workers   int
	taskQueue chan job
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan job, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

// worker 工作协程，队列关闭且清空后退出
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for j := range p.taskQueue {
		p.run(id, j)
	}
}

func (p *Pool) run(id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"task", j.name,
				"panic", r)
		}
	}()
	j.task(p.ctx)
}

// Submit 提交任务，队列满时阻塞；Pool 已关闭返回 false
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.taskQueue <- job{name: name, task: task}
	return true
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (p *Pool) TrySubmit(name string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- job{name: name, task: task}:
		return true
	default:
		p.logger.Warn("Worker pool queue full, task dropped", "task", name)
		return false
	}
}

// Pending 队列中等待执行的任务数
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Shutdown 优雅关闭：不再接收新任务，等待已入队任务执行完毕
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.logger.Info("Worker pool shutdown completed")
}
