// Package queue serializes externally-risky pane creation. Submissions
// sharing a key coalesce onto one pending result, items run one at a
// time with a spacing delay, failures retry with exponential backoff,
// and shutdown fails queued work immediately while letting the
// in-flight item finish.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muxherd/muxherd/internal/model"
)

// SpawnRequest describes one attempt at creating a pane. Attempt counts
// from 1 and increments across retries of the same logical item.
type SpawnRequest struct {
	Key        string
	Label      string
	EnqueuedAt time.Time
	Attempt    int
}

// Result is the terminal outcome of a submission. Err is nil on
// success. Work function errors and panics both land here; Wait never
// panics.
type Result struct {
	PaneID string
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// Work performs the pane creation and returns the new pane id.
type Work func(ctx context.Context, req SpawnRequest) (string, error)

// Hooks observe queue state transitions. They are invoked synchronously
// from queue goroutines and must not call back into the queue.
type Hooks struct {
	PendingChanged func(pending int)
	Drained        func()
}

// Pending is the shared handle all coalesced submitters wait on.
type Pending struct {
	done   chan struct{}
	result Result
}

// Wait blocks until the submission resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) Result {
	select {
	case <-p.done:
		return p.result
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) resolve(res Result) {
	p.result = res
	close(p.done)
}

func resolvedPending(res Result) *Pending {
	p := &Pending{done: make(chan struct{})}
	p.resolve(res)
	return p
}

type item struct {
	key        string
	label      string
	enqueuedAt time.Time
	pending    *Pending
}

// Options tune one queue instance. Zero durations fall back to the
// defaults below; Now and Sleep exist for tests.
type Options struct {
	ItemDelay   time.Duration
	BaseBackoff time.Duration
	MaxRetries  int
	StaleAfter  time.Duration
	Hooks       Hooks
	Logf        func(format string, args ...any)
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

const (
	defaultItemDelay   = 300 * time.Millisecond
	defaultBaseBackoff = 250 * time.Millisecond
	defaultStaleAfter  = 30 * time.Second
)

// Queue runs submissions strictly one at a time in FIFO order.
type Queue struct {
	work Work
	opts Options

	mu          sync.Mutex
	items       []*item
	pending     map[string]*Pending
	inFlight    bool
	closed      bool
	lastPending int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds a queue and starts its worker. The caller must call
// Shutdown to release it.
func New(work Work, opts Options) *Queue {
	if opts.ItemDelay == 0 {
		opts.ItemDelay = defaultItemDelay
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	q := &Queue{
		work:    work,
		opts:    opts,
		pending: make(map[string]*Pending),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues a spawn for key. A key already queued or in flight
// returns the existing pending handle without re-enqueuing. After
// Shutdown, submissions resolve immediately as failure without
// invoking the work function.
func (q *Queue) Submit(key, label string) *Pending {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return resolvedPending(Result{Err: model.ErrQueueClosed})
	}
	if p, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return p
	}
	p := &Pending{done: make(chan struct{})}
	q.pending[key] = p
	q.items = append(q.items, &item{key: key, label: label, enqueuedAt: q.opts.Now(), pending: p})
	q.mu.Unlock()

	q.notifyState()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return p
}

// Shutdown fails every queued-not-started item with ErrQueueClosed,
// rejects later submissions, and lets the in-flight item finish; its
// result is still delivered. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	drained := q.items
	q.items = nil
	for _, it := range drained {
		delete(q.pending, it.key)
	}
	q.mu.Unlock()

	for _, it := range drained {
		it.pending.resolve(Result{Err: model.ErrQueueClosed})
	}
	close(q.stop)
	q.notifyState()
}

// Wait blocks until the worker has exited after Shutdown.
func (q *Queue) Wait() { <-q.done }

// PendingCount is the queue length plus the in-flight slot.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.inFlight {
		n++
	}
	return n
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		it := q.next()
		if it == nil {
			return
		}
		q.execute(it)
		// Spacing between finishing one item and starting the next
		// keeps tmux from being hammered by bursts.
		_ = q.opts.Sleep(context.Background(), q.opts.ItemDelay)
	}
}

func (q *Queue) next() *item {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.inFlight = true
			q.mu.Unlock()
			return it
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}
		select {
		case <-q.wake:
		case <-q.stop:
		}
	}
}

func (q *Queue) execute(it *item) {
	defer func() {
		q.mu.Lock()
		q.inFlight = false
		delete(q.pending, it.key)
		q.mu.Unlock()
		q.notifyState()
	}()

	if age := q.opts.Now().Sub(it.enqueuedAt); age > q.opts.StaleAfter {
		q.opts.Logf("queue: skipping %s, queued for %s", it.key, age.Round(time.Millisecond))
		it.pending.resolve(Result{Err: fmt.Errorf("spawn %s: %w", it.key, model.ErrStaleRequest)})
		return
	}

	var lastErr error
	for attempt := 1; attempt <= q.opts.MaxRetries+1; attempt++ {
		paneID, err := q.attempt(SpawnRequest{
			Key:        it.key,
			Label:      it.label,
			EnqueuedAt: it.enqueuedAt,
			Attempt:    attempt,
		})
		if err == nil {
			it.pending.resolve(Result{PaneID: paneID})
			return
		}
		lastErr = err
		q.opts.Logf("queue: attempt %d for %s failed: %v", attempt, it.key, err)
		if attempt <= q.opts.MaxRetries {
			_ = q.opts.Sleep(context.Background(), q.opts.BaseBackoff<<(attempt-1))
		}
	}
	it.pending.resolve(Result{Err: fmt.Errorf("spawn %s: %w", it.key, lastErr)})
}

// attempt shields the worker from a panicking work function; a panic
// is just another failed attempt.
func (q *Queue) attempt(req SpawnRequest) (paneID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("spawn work panicked: %v", r)
		}
	}()
	return q.work(context.Background(), req)
}

func (q *Queue) notifyState() {
	q.mu.Lock()
	n := len(q.items)
	if q.inFlight {
		n++
	}
	changed := n != q.lastPending
	q.lastPending = n
	q.mu.Unlock()
	if !changed {
		return
	}
	if q.opts.Hooks.PendingChanged != nil {
		q.opts.Hooks.PendingChanged(n)
	}
	if n == 0 && q.opts.Hooks.Drained != nil {
		q.opts.Hooks.Drained()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
