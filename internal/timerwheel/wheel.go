// Package timerwheel provides a coalesced deadline scheduler for the
// transaction layer's retransmission timers and its duplicate-detect
// cache eviction. Rather than one *time.Timer per in-flight
// CON, every deadline is rounded up to the next tick and fired in a
// single batch: with thousands of concurrent exchanges this keeps the
// runtime timer heap small at the cost of up to one granularity period
// of jitter, which the configured TimerWheelGranularity already
// budgets for.
package timerwheel

import (
	"container/list"
	"sync"
	"time"
)

// Task is scheduled work to run when its deadline's bucket fires.
type Task func(now time.Time)

type entry struct {
	task    Task
	bucket  int64
	elem    *list.Element
	cancel  bool
}

// Wheel batches Task firings onto ticks of granularity, trading timer
// precision for a single background goroutine regardless of how many
// tasks are outstanding.
type Wheel struct {
	granularity time.Duration

	mu      sync.Mutex
	buckets map[int64]*list.List // bucket index -> *entry list
	seq     uint64
	entries map[uint64]*entry

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Handle cancels a previously scheduled Task. Cancel is idempotent and
// safe to call after the task has already fired.
type Handle struct {
	id    uint64
	wheel *Wheel
}

// New starts a wheel that ticks every granularity. Callers must call
// Stop when done.
func New(granularity time.Duration) *Wheel {
	if granularity <= 0 {
		granularity = 250 * time.Millisecond
	}
	w := &Wheel{
		granularity: granularity,
		buckets:     make(map[int64]*list.List),
		entries:     make(map[uint64]*entry),
		ticker:      time.NewTicker(granularity),
		stopCh:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Wheel) bucketFor(d time.Duration) int64 {
	now := time.Now()
	deadline := now.Add(d)
	g := int64(w.granularity)
	return (deadline.UnixNano() + g - 1) / g
}

// Schedule runs task at the first tick at or after now+d.
func (w *Wheel) Schedule(d time.Duration, task Task) Handle {
	bucket := w.bucketFor(d)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	id := w.seq
	e := &entry{task: task, bucket: bucket}
	l, ok := w.buckets[bucket]
	if !ok {
		l = list.New()
		w.buckets[bucket] = l
	}
	e.elem = l.PushBack(id)
	w.entries[id] = e

	return Handle{id: id, wheel: w}
}

// Cancel prevents a scheduled task from firing, if it hasn't already.
func (h Handle) Cancel() {
	w := h.wheel
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[h.id]
	if !ok {
		return
	}
	e.cancel = true
	if l, ok := w.buckets[e.bucket]; ok {
		l.Remove(e.elem)
		if l.Len() == 0 {
			delete(w.buckets, e.bucket)
		}
	}
	delete(w.entries, h.id)
}

func (w *Wheel) run() {
	defer w.wg.Done()
	for {
		select {
		case now := <-w.ticker.C:
			w.fire(now)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Wheel) fire(now time.Time) {
	current := now.UnixNano() / int64(w.granularity)

	w.mu.Lock()
	var due []*entry
	for bucket, l := range w.buckets {
		if bucket > current {
			continue
		}
		for el := l.Front(); el != nil; el = el.Next() {
			id := el.Value.(uint64)
			if e, ok := w.entries[id]; ok && !e.cancel {
				due = append(due, e)
			}
			delete(w.entries, id)
		}
		delete(w.buckets, bucket)
	}
	w.mu.Unlock()

	for _, e := range due {
		e.task(now)
	}
}

// Stop halts the background ticking goroutine. Pending tasks are dropped.
func (w *Wheel) Stop() {
	w.ticker.Stop()
	close(w.stopCh)
	w.wg.Wait()
}
