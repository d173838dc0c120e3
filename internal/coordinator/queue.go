package coordinator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptd/internal/engine"
)

// RequestQueue is a bounded, priority-ordered, expiry-aware buffer of
// pending requests. Admission overflow is a first-class, policy-driven
// outcome, never an error: a full-but-accepting queue answers with Rejected
// or Dropped, it does not fail.
//
// Ordering is total and stable: priority descending, then arrival sequence
// ascending, so no two distinct items ever compare equal. Expired items are
// swept lazily on every Enqueue and Dequeue; there is no background timer,
// which bounds staleness to the rate of queue activity.
//
// All structural mutation is serialized under one mutex; statistics use
// atomic counters so readers never block writers.
type RequestQueue struct {
	mu        sync.Mutex
	cfg       QueueConfig
	items     requestHeap
	accepting bool
	seq       uint64

	stats queueStats
	pub   EventPublisher
	// now is swappable for expiry tests.
	now func() time.Time
}

// NewRequestQueue constructs a queue from a validated config. A nil
// publisher falls back to a no-op.
func NewRequestQueue(cfg QueueConfig, pub EventPublisher) (*RequestQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = noopPublisher{}
	}
	return &RequestQueue{
		cfg:       cfg,
		accepting: true,
		pub:       pub,
		now:       time.Now,
	}, nil
}

// Enqueue admits a prompt into the buffer and returns the tagged outcome.
// The Stream of an accepted result is the placeholder the drain loop will
// complete with the real engine events.
func (q *RequestQueue) Enqueue(p Prompt) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting {
		q.stats.rejected.Add(1)
		return EnqueueResult{Outcome: OutcomeRejected, Reason: "queue not accepting"}
	}
	now := q.now()
	q.sweepExpiredLocked(now)

	ttl := p.TTL
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
	}
	req := &QueuedRequest{
		ID:          uuid.NewString(),
		Prompt:      p,
		EnqueueTime: now,
		TTL:         ttl,
		Priority:    p.Priority,
		seq:         q.seq,
		out:         make(chan engine.Event, 16),
	}

	evictedID := ""
	if len(q.items) >= q.cfg.MaxSize {
		switch q.cfg.Policy {
		case OverflowReject:
			q.stats.rejected.Add(1)
			return EnqueueResult{Outcome: OutcomeRejected, Reason: "queue full"}
		case OverflowDropNewest:
			q.stats.rejected.Add(1)
			return EnqueueResult{Outcome: OutcomeRejected, Reason: "queue full (drop_newest)"}
		case OverflowDropOldest:
			victim := q.evictWorstLocked()
			if victim == nil {
				// MaxSize >= 1 guarantees an occupant; defensive only.
				q.stats.rejected.Add(1)
				return EnqueueResult{Outcome: OutcomeRejected, Reason: "queue full"}
			}
			evictedID = victim.ID
		}
	}

	q.seq++
	heap.Push(&q.items, req)
	q.stats.enqueued.Add(1)
	queueDepth.Set(float64(len(q.items)))

	if evictedID != "" {
		return EnqueueResult{
			Outcome:   OutcomeDropped,
			ID:        req.ID,
			Position:  len(q.items),
			EvictedID: evictedID,
			Reason:    "queue full (evicted lowest-ranked)",
			Stream:    req.out,
		}
	}
	return EnqueueResult{Outcome: OutcomeEnqueued, ID: req.ID, Position: len(q.items), Stream: req.out}
}

// Dequeue removes and returns the highest-priority, oldest item, or nil if
// the queue is empty after sweeping expired entries.
func (q *RequestQueue) Dequeue() *QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepExpiredLocked(q.now())
	if len(q.items) == 0 {
		return nil
	}
	req := heap.Pop(&q.items).(*QueuedRequest)
	q.stats.dequeued.Add(1)
	queueDepth.Set(float64(len(q.items)))
	return req
}

// Remove cancels a pending request by id. Returns false if not present.
// The request's placeholder stream resolves to an error so its submitter is
// not left waiting.
func (q *RequestQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.items {
		if req.ID == id {
			heap.Remove(&q.items, i)
			q.stats.removed.Add(1)
			queueDepth.Set(float64(len(q.items)))
			resolveError(req, removedError{id: id})
			return true
		}
	}
	return false
}

// Clear removes all pending items, resolving each placeholder with an
// error. A single "queue_cleared" event is published, not one per item.
func (q *RequestQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	for _, req := range q.items {
		resolveError(req, removedError{id: req.ID})
	}
	q.items = nil
	q.stats.cleared.Add(uint64(n))
	queueDepth.Set(0)
	if n > 0 {
		q.pub.Publish(Event{Name: "queue_cleared", Fields: map[string]any{"count": n}})
	}
	return n
}

// FailAll removes all pending items, resolving each placeholder with err.
// Used when the engine terminally fails and nothing will ever service the
// buffered requests.
func (q *RequestQueue) FailAll(err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	for _, req := range q.items {
		resolveError(req, err)
	}
	q.items = nil
	q.stats.cleared.Add(uint64(n))
	queueDepth.Set(0)
	if n > 0 {
		q.pub.Publish(Event{Name: "queue_failed", Fields: map[string]any{
			"count": n,
			"error": err.Error(),
		}})
	}
	return n
}

// StopAccepting makes subsequent Enqueue calls return Rejected. Existing
// contents and Dequeue are unaffected.
func (q *RequestQueue) StopAccepting() {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
}

// ResumeAccepting re-enables admission.
func (q *RequestQueue) ResumeAccepting() {
	q.mu.Lock()
	q.accepting = true
	q.mu.Unlock()
}

// Len reports the number of pending items.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns an immutable snapshot of the running counters.
func (q *RequestQueue) Stats() QueueStatsSnapshot { return q.stats.snapshot() }

// ResetStats zeroes all counters.
func (q *RequestQueue) ResetStats() { q.stats.reset() }

// recordProcessing feeds drain-loop service results into the statistics.
func (q *RequestQueue) recordProcessing(d time.Duration, failed bool) {
	q.stats.recordProcessing(d, failed)
}

// sweepExpiredLocked removes every item past its TTL. Caller holds q.mu.
func (q *RequestQueue) sweepExpiredLocked(now time.Time) {
	for i := 0; i < len(q.items); {
		req := q.items[i]
		if !req.IsExpired(now) {
			i++
			continue
		}
		heap.Remove(&q.items, i)
		q.stats.expired.Add(1)
		queueExpiredTotal.Inc()
		resolveError(req, expiredError{id: req.ID})
		q.pub.Publish(Event{Name: "request_expired", Fields: map[string]any{
			"id":  req.ID,
			"age": now.Sub(req.EnqueueTime).String(),
		}})
	}
	queueDepth.Set(float64(len(q.items)))
}

// evictWorstLocked removes the occupant at the back of the service order:
// lowest priority band, oldest arrival within that band. Caller holds q.mu.
func (q *RequestQueue) evictWorstLocked() *QueuedRequest {
	if len(q.items) == 0 {
		return nil
	}
	worst := 0
	for i := 1; i < len(q.items); i++ {
		a, b := q.items[i], q.items[worst]
		if a.Priority < b.Priority || (a.Priority == b.Priority && a.seq < b.seq) {
			worst = i
		}
	}
	victim := heap.Remove(&q.items, worst).(*QueuedRequest)
	q.stats.dropped.Add(1)
	queueDroppedTotal.Inc()
	resolveError(victim, tooBusyError{reason: "evicted by overflow policy"})
	q.pub.Publish(Event{Name: "request_dropped", Fields: map[string]any{
		"id":       victim.ID,
		"priority": victim.Priority.String(),
	}})
	return victim
}

// resolveError completes a placeholder stream that was never handed to the
// drain loop. The buffer is never written before this point, so the send
// cannot block.
func resolveError(req *QueuedRequest, err error) {
	req.out <- engine.Event{Kind: engine.EventError, Err: err}
	close(req.out)
}

// requestHeap orders by priority descending, then arrival sequence
// ascending (strict FIFO within a priority band).
type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*QueuedRequest)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
