package eventlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	Store         Store
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// Emitter is an asynchronous event writer. Emit performs a non-blocking
// channel send and drops on overflow; a background goroutine flushes
// batches to the Store.
type Emitter struct {
	store     Store
	queue     chan Event
	flushReq  chan chan struct{}
	batchSize int
	interval  time.Duration
	log       *logrus.Entry

	dropped atomic.Int64
	running atomic.Bool

	// inline serializes drains when the loop is not running.
	inline sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEmitter creates an Emitter. Call Start to begin flushing.
func NewEmitter(cfg EmitterConfig) *Emitter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 512
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Emitter{
		store:     cfg.Store,
		queue:     make(chan Event, queueSize),
		flushReq:  make(chan chan struct{}),
		batchSize: batchSize,
		interval:  interval,
		log:       logrus.WithField("component", "eventlog"),
		stopCh:    make(chan struct{}),
	}
}

// Store returns the backing store.
func (e *Emitter) Store() Store { return e.store }

// Start launches the background flush goroutine.
func (e *Emitter) Start() {
	e.running.Store(true)
	e.wg.Add(1)
	go e.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining events, and returns.
func (e *Emitter) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
}

// Emit enqueues ev, filling in ID and Timestamp when unset. It never blocks
// and never fails: on overflow the event is dropped and counted.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.queue <- ev:
	default:
		if n := e.dropped.Add(1); n == 1 || n%1000 == 0 {
			e.log.WithField("dropped_total", n).Warn("event queue full, dropping")
		}
	}
}

// Dropped returns the number of events dropped on overflow.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Pending returns the number of queued, unflushed events.
func (e *Emitter) Pending() int { return len(e.queue) }

// Flush writes every event queued before the call to the store.
func (e *Emitter) Flush(ctx context.Context) error {
	if !e.running.Load() {
		e.flushInline()
		return nil
	}
	done := make(chan struct{})
	select {
	case e.flushReq <- done:
	case <-e.stopCh:
		// The loop is exiting and drains on its way out.
		e.wg.Wait()
		e.flushInline()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) flushInline() {
	e.inline.Lock()
	defer e.inline.Unlock()
	e.drainAndFlush(make([]Event, 0, e.batchSize))
}

// ResetDropped zeroes the overflow counter.
func (e *Emitter) ResetDropped() { e.dropped.Store(0) }

// flushLoop runs until stopCh is closed, flushing on batch size, timer or
// explicit request.
func (e *Emitter) flushLoop() {
	defer e.wg.Done()

	batch := make([]Event, 0, e.batchSize)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= e.batchSize {
				e.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}

		case done := <-e.flushReq:
			e.drainAndFlush(batch)
			batch = batch[:0]
			close(done)

		case <-e.stopCh:
			e.drainAndFlush(batch)
			return
		}
	}
}

func (e *Emitter) drainAndFlush(batch []Event) {
	for {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= e.batchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				e.flush(batch)
			}
			return
		}
	}
}

func (e *Emitter) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := e.store.RecordBatch(ctx, events)
	if err != nil {
		e.log.WithError(err).WithField("events", len(events)).Error("flush failed")
		return
	}
	e.log.WithField("events", n).Debug("flushed")
}
