package ble

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/golang-collections/go-datastructures/queue"
)

// queuedCommand is a best-effort command such as a brightness preview.
type queuedCommand struct {
	name string
	run  func(ctx context.Context) error
}

// commandQueue is an unbounded FIFO drained by a single goroutine for the
// lifetime of the process. It is independent of the connection: items
// enqueued while the session is not authenticated are dropped when they
// reach the head, not held for the next connection.
type commandQueue struct {
	q       *queue.Queue
	exec    func(queuedCommand)
	busy    atomic.Bool
	pending atomic.Int64 // enqueued and not yet finished
	done    chan struct{}
	once    sync.Once
}

func newCommandQueue(exec func(queuedCommand)) *commandQueue {
	cq := &commandQueue{
		q:    queue.New(16),
		exec: exec,
		done: make(chan struct{}),
	}
	go cq.drain()
	return cq
}

// enqueue never blocks.
func (cq *commandQueue) enqueue(cmd queuedCommand) error {
	cq.pending.Add(1)
	if err := cq.q.Put(cmd); err != nil {
		cq.pending.Add(-1)
		return ErrClosed
	}
	return nil
}

func (cq *commandQueue) drain() {
	defer close(cq.done)
	for {
		items, err := cq.q.Get(1)
		if err != nil {
			// queue disposed
			return
		}
		cmd, ok := items[0].(queuedCommand)
		if !ok {
			slog.Error("[QUEUE] unexpected item type, skipping")
			cq.pending.Add(-1)
			continue
		}
		cq.busy.Store(true)
		cq.exec(cmd)
		cq.busy.Store(false)
		cq.pending.Add(-1)
	}
}

func (cq *commandQueue) len() int { return int(cq.q.Len()) }

// idle reports whether every enqueued command has finished or been dropped.
func (cq *commandQueue) idle() bool { return cq.pending.Load() == 0 }

// close stops the consumer after the item it is running, discarding the rest.
func (cq *commandQueue) close() {
	cq.once.Do(func() { cq.q.Dispose() })
	<-cq.done
}
