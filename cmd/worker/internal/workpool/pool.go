// Package workpool 提供固定数量 worker 的 CPU 任务池
//
// 编排 goroutine 只负责等待，音频 DSP 等计算密集任务统一投递到池中执行，
// 从而限制进程内同时占用 CPU 的任务数。
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed 池已关闭
var ErrPoolClosed = errors.New("work pool closed")

type task struct {
	fn   func() error
	done chan error
}

// Pool 固定大小的 worker 池
type Pool struct {
	tasks   chan *task
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	running atomic.Int64
	logger  *slog.Logger
}

// New 创建并启动 workers 个 worker；workers <= 0 时使用 1
func New(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		tasks:  make(chan *task),
		quit:   make(chan struct{}),
		logger: logger.With("component", "workpool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("work pool started", "workers", workers)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.running.Add(1)
			t.done <- p.run(id, t.fn)
			p.running.Add(-1)
		case <-p.quit:
			return
		}
	}
}

// run 执行任务并把 panic 转为错误，避免单个任务拖垮整个进程
func (p *Pool) run(id int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

// Do 提交任务并等待其完成
//
// 在任务被 worker 接收之前 ctx 取消会直接返回 ctx.Err()；
// 任务一旦开始执行就会等待其结束（fn 自身负责观察 ctx）。
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	t := &task{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	return <-t.done
}

// Running 当前正在执行的任务数（用于监控）
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Close 停止接收新任务，并等待正在执行的任务结束
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.quit)
		p.wg.Wait()
		p.logger.Debug("work pool stopped")
	})
}
