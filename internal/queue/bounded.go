package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("queue closed")

// Bounded 有界 FIFO 队列
// 队列满时 Put 最多阻塞 timeout，超时后丢弃最旧的一条并计数，保证内存有界。
type Bounded[T any] struct {
	name    string
	ch      chan T
	timeout time.Duration
	onDrop  func(dropped T)

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewBounded 创建有界队列；onDrop 接收被挤出的元素，可为 nil
func NewBounded[T any](name string, capacity int, timeout time.Duration, onDrop func(dropped T)) *Bounded[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded[T]{
		name:    name,
		ch:      make(chan T, capacity),
		timeout: timeout,
		onDrop:  onDrop,
	}
}

// Put 入队；ctx 取消时返回 ctx.Err()，队列关闭时返回 ErrClosed
func (q *Bounded[T]) Put(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- v:
		return nil
	default:
	}

	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		select {
		case q.ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	// 超时：丢弃最旧的元素后重试（并发生产者可能抢先填满，需循环）
	for {
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop(old)
			}
		default:
		}
		select {
		case q.ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// C 消费端通道；Close 后排空即关闭
func (q *Bounded[T]) C() <-chan T {
	return q.ch
}

// Close 停止接收新元素，已缓冲的元素仍可从 C() 读出
func (q *Bounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len 当前缓冲数量
func (q *Bounded[T]) Len() int {
	return len(q.ch)
}

// Cap 容量
func (q *Bounded[T]) Cap() int {
	return cap(q.ch)
}

// Dropped 因背压丢弃的数量
func (q *Bounded[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Name 队列名称（用于指标标签）
func (q *Bounded[T]) Name() string {
	return q.name
}
