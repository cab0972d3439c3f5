// Package dispatcher fans inbound events out to a fixed pool of worker
// lanes. Events sharing a key (the same user or topic) always land on the
// same lane, so one conversation is processed strictly in order while
// different conversations proceed in parallel.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Proton-105/forward-bot/internal/transport"
)

// ErrQueueFull is returned when the target lane's buffer is saturated. The
// caller decides whether to drop or report; the dispatcher never blocks the
// poller.
var ErrQueueFull = errors.New("dispatcher lane is full")

// ErrStopped is returned for enqueues after shutdown began.
var ErrStopped = errors.New("dispatcher is stopped")

// Handler processes one event on a worker lane. Errors are the handler's to
// report; the dispatcher only logs panics.
type Handler func(ctx context.Context, ev transport.Event)

// Dispatcher owns the worker lanes.
type Dispatcher struct {
	lanes   []chan transport.Event
	handler Handler
	log     *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a dispatcher with the given number of lanes and per-lane
// buffer size.
func New(workers, queueSize int, handler Handler, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}

	lanes := make([]chan transport.Event, workers)
	for i := range lanes {
		lanes[i] = make(chan transport.Event, queueSize)
	}

	return &Dispatcher{
		lanes:   lanes,
		handler: handler,
		log:     log,
	}
}

// Start launches the worker goroutines. They drain their lanes until Stop
// closes them; ctx bounds the handler calls.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.work(ctx, i, lane)
	}
}

func (d *Dispatcher) work(ctx context.Context, id int, lane <-chan transport.Event) {
	defer d.wg.Done()

	for ev := range lane {
		d.dispatch(ctx, id, ev)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, laneID int, ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in event handler",
				slog.Int("lane", laneID),
				slog.Int64("key", ev.Key()),
				slog.Any("panic", r),
			)
		}
	}()

	d.handler(ctx, ev)
}

// Enqueue routes the event to its lane. Returns ErrQueueFull when the lane
// buffer is saturated and ErrStopped after shutdown. The send happens under
// the mutex so it can never race Stop closing the lane.
func (d *Dispatcher) Enqueue(ev transport.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}

	select {
	case d.lanes[d.laneFor(ev.Key())] <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) laneFor(key int64) int {
	if key < 0 {
		key = -key
	}

	return int(key % int64(len(d.lanes)))
}

// Stop closes the lanes and waits for in-flight events to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// QueueDepths reports the buffered event count per lane, exported as
// gauges.
func (d *Dispatcher) QueueDepths() []int {
	depths := make([]int, len(d.lanes))
	for i, lane := range d.lanes {
		depths[i] = len(lane)
	}

	return depths
}

// Lanes returns the worker count.
func (d *Dispatcher) Lanes() int {
	return len(d.lanes)
}
