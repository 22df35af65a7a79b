package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("inference queue closed")

type job struct {
	fn     func() error
	result chan error
}

// Queue bounds how many forward passes run at once. Each worker is pinned
// to its OS thread while it runs.
type Queue struct {
	jobs    chan job
	mu      sync.RWMutex
	closed  bool
	restart time.Duration
}

func NewQueue(workers, depth int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	q := &Queue{jobs: make(chan job, depth), restart: time.Second}
	for i := 0; i < workers; i++ {
		go q.runWorker(i)
	}
	return q
}

func (q *Queue) runWorker(workerID int) {
	log := logger.Named("queue")
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic, restarting", zap.Int("worker", workerID), zap.Any("panic", r), zap.Duration("after", q.restart))
			//重启这个 Worker
			time.Sleep(q.restart)
			go q.runWorker(workerID)
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	log.Debug("worker created", zap.Int("worker", workerID))
	for j := range q.jobs {
		j.result <- exec(workerID, j.fn)
	}
}

func exec(workerID int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: job panic: %v", workerID, r)
		}
	}()
	return fn()
}

// Do runs fn on a worker and waits for it. A cancelled ctx stops the wait,
// not fn itself.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	j := job{fn: fn, result: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	select {
	case q.jobs <- j:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs; workers exit once the backlog drains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
