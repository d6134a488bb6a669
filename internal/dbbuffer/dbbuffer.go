// Package dbbuffer is the single-writer asynchronous durability
// pipeline between the orchestration runner and the database:
// the runner enqueues each timestep's graph and status
// transitions without blocking on I/O, and one consumer goroutine
// drains the queue into storage in order.
//
// The queue is bounded: EnqueueFrame and EnqueueStatus return
// simerr.ErrQueueFull rather
// than growing without limit when the database falls behind.
package dbbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/simfleet/manager/internal/graph"
	"github.com/simfleet/manager/internal/simerr"
	"github.com/simfleet/manager/internal/storage"
)

// message is the sum type the single consumer drains: either a frame
// to persist or a status transition to record.
type message struct {
	frame  *frameMsg
	status *statusMsg
}

type frameMsg struct {
	SimulationID string
	Seq          int
	Graph        graph.Graph
}

type statusMsg struct {
	SimulationID string
	Status       storage.Status
	Info         string
}

// Persister is the subset of *storage.Store the buffer depends on,
// split out so tests can substitute a fake durable sink.
type Persister interface {
	InsertFrame(ctx context.Context, simulationID string, seq int, g graph.Graph) error
	UpdateStatus(ctx context.Context, id string, status storage.Status, info string) error
}

// Buffer is the bounded queue plus its single consumer.
type Buffer struct {
	store    Persister
	queue    chan message
	fatalCh  chan error
	closed   atomic.Bool
	wg       sync.WaitGroup
	enqueued atomic.Uint64
	drained  atomic.Uint64
}

// DefaultCapacity bounds how many unpersisted messages may queue up
// before EnqueueFrame/EnqueueStatus start rejecting new work with
// simerr.ErrQueueFull.
const DefaultCapacity = 4096

// New returns a Buffer backed by store with the given capacity. A
// capacity of 0 uses DefaultCapacity.
func New(store Persister, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		store:   store,
		queue:   make(chan message, capacity),
		fatalCh: make(chan error, 1),
	}
}

// Start launches the single consumer goroutine and returns at once; the
// goroutine exits once the queue channel is closed (via Close) and
// fully drained.
func (b *Buffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Close stops accepting new work and waits for the queue to drain.
func (b *Buffer) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.queue)
	}
	b.wg.Wait()
}

// Errors reports fatal storage errors: once the consumer observes one,
// durable state can no longer track runner state and the manager must
// shut down.
func (b *Buffer) Errors() <-chan error {
	return b.fatalCh
}

// EnqueueFrame submits a timestep's graph for durable persistence. It
// never blocks: a full queue returns simerr.ErrQueueFull immediately
// so the caller (the runner) can fail that simulation rather than
// stall indefinitely behind a slow database.
func (b *Buffer) EnqueueFrame(simulationID string, seq int, g graph.Graph) error {
	return b.enqueue(message{frame: &frameMsg{SimulationID: simulationID, Seq: seq, Graph: g}})
}

// EnqueueStatus submits a status transition for durable recording.
// info carries the human-readable status-info text — empty for every
// transition except Failed.
func (b *Buffer) EnqueueStatus(simulationID string, status storage.Status, info string) error {
	return b.enqueue(message{status: &statusMsg{SimulationID: simulationID, Status: status, Info: info}})
}

func (b *Buffer) enqueue(msg message) error {
	if b.closed.Load() {
		return fmt.Errorf("database buffer is closed")
	}
	select {
	case b.queue <- msg:
		b.enqueued.Add(1)
		return nil
	default:
		return simerr.ErrQueueFull
	}
}

func (b *Buffer) run(ctx context.Context) {
	defer b.wg.Done()

	for msg := range b.queue {
		if err := b.process(ctx, msg); err != nil {
			slog.Error("database buffer write failed", "error", err)
			storageErr := simerr.New(simerr.KindStorage, "database buffer write failed", err)
			select {
			case b.fatalCh <- storageErr:
			default:
			}
		}
		b.drained.Add(1)
	}
}

func (b *Buffer) process(ctx context.Context, msg message) error {
	switch {
	case msg.frame != nil:
		return b.store.InsertFrame(ctx, msg.frame.SimulationID, msg.frame.Seq, msg.frame.Graph)
	case msg.status != nil:
		return b.store.UpdateStatus(ctx, msg.status.SimulationID, msg.status.Status, msg.status.Info)
	default:
		return nil
	}
}

// Stats reports queue throughput counters for operator visibility.
type Stats struct {
	Enqueued uint64
	Drained  uint64
	Depth    int
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Enqueued: b.enqueued.Load(),
		Drained:  b.drained.Load(),
		Depth:    len(b.queue),
	}
}
