package coordinator

import (
	"sync/atomic"
	"time"
)

// queueStats accumulates queue counters with lock-free atomics so readers
// never block queue writers. Counters only increase, except via Reset.
type queueStats struct {
	enqueued        atomic.Uint64
	dequeued        atomic.Uint64
	expired         atomic.Uint64
	rejected        atomic.Uint64
	dropped         atomic.Uint64
	removed         atomic.Uint64
	errors          atomic.Uint64
	cleared         atomic.Uint64
	processingNanos atomic.Int64
	processed       atomic.Uint64
}

// QueueStatsSnapshot is an immutable point-in-time view of the counters.
// Readers never observe a torn update of a single counter; the snapshot as a
// whole is not required to be a consistent cut.
type QueueStatsSnapshot struct {
	Enqueued uint64
	Dequeued uint64
	Expired  uint64
	Rejected uint64
	Dropped  uint64
	Removed  uint64
	Errors   uint64
	Cleared  uint64

	Processed             uint64
	TotalProcessingTime   time.Duration
	AverageProcessingTime time.Duration
	SuccessRate           float64
}

func (s *queueStats) recordProcessing(d time.Duration, failed bool) {
	s.processed.Add(1)
	s.processingNanos.Add(int64(d))
	if failed {
		s.errors.Add(1)
	}
}

func (s *queueStats) snapshot() QueueStatsSnapshot {
	snap := QueueStatsSnapshot{
		Enqueued:  s.enqueued.Load(),
		Dequeued:  s.dequeued.Load(),
		Expired:   s.expired.Load(),
		Rejected:  s.rejected.Load(),
		Dropped:   s.dropped.Load(),
		Removed:   s.removed.Load(),
		Errors:    s.errors.Load(),
		Cleared:   s.cleared.Load(),
		Processed: s.processed.Load(),
	}
	snap.TotalProcessingTime = time.Duration(s.processingNanos.Load())
	if snap.Processed > 0 {
		snap.AverageProcessingTime = snap.TotalProcessingTime / time.Duration(snap.Processed)
		snap.SuccessRate = float64(snap.Processed-snap.Errors) / float64(snap.Processed)
	}
	return snap
}

func (s *queueStats) reset() {
	s.enqueued.Store(0)
	s.dequeued.Store(0)
	s.expired.Store(0)
	s.rejected.Store(0)
	s.dropped.Store(0)
	s.removed.Store(0)
	s.errors.Store(0)
	s.cleared.Store(0)
	s.processingNanos.Store(0)
	s.processed.Store(0)
}
