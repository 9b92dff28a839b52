package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"relay-backend/pkg/logger"
)

// Task is one unit of work for a conversation.
type Task func(ctx context.Context) error

// KeyedQueue runs tasks one at a time per key, in enqueue order, while
// different keys run concurrently. A key's queue exists only while it has
// work; the drain goroutine removes it when it empties.
type KeyedQueue struct {
	ctx    context.Context
	mu     sync.Mutex
	queues map[string][]Task
	wg     sync.WaitGroup
}

// NewKeyedQueue returns a queue whose tasks receive ctx.
func NewKeyedQueue(ctx context.Context) *KeyedQueue {
	return &KeyedQueue{
		ctx:    ctx,
		queues: make(map[string][]Task),
	}
}

// Enqueue appends task to the key's queue, starting a drain loop if none is
// running for the key.
func (q *KeyedQueue) Enqueue(key string, task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, draining := q.queues[key]
	q.queues[key] = append(pending, task)
	if draining {
		return
	}

	q.wg.Add(1)
	go q.drain(key)
}

func (q *KeyedQueue) drain(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		pending := q.queues[key]
		if len(pending) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		task := pending[0]
		pending[0] = nil
		q.queues[key] = pending[1:]
		q.mu.Unlock()

		if err := q.run(task); err != nil {
			logger.Conversation(key).Errorf("task failed: %v", err)
		}
	}
}

func (q *KeyedQueue) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(q.ctx)
}

// Len returns the number of keys with queued or running work.
func (q *KeyedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// Wait blocks until every drain loop has finished.
func (q *KeyedQueue) Wait() {
	q.wg.Wait()
}
