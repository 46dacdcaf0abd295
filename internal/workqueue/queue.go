// Package workqueue 提供进程内无界 FIFO 队列，供验证与结算工作池接收任务。
// 入队永不阻塞，上游的生成或验证工作协程因此不会被下游慢速网络调用拖住。
package workqueue

import (
	"context"
	"sync"
)

// Queue 是并发安全的无界 FIFO 队列。零值不可用，需通过 New 构造。
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// New 构造空队列。
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push 追加一个任务并唤醒一个等待中的消费者。
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// Pop 取出队首任务；队列为空时等待，ctx 结束返回 false。
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.ready:
		}
	}
}

// Len 返回当前排队的任务数。
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
