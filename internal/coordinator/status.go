package coordinator

import "time"

// Status is a read-only projection of the coordinator for reporting.
type Status struct {
	State     EngineState
	Released  bool
	QueueLen  int
	Queue     QueueStatsSnapshot
	Uptime    time.Duration
	LastError string
	// Transitions is the tail of the transition history, oldest first.
	Transitions []StateTransitionEvent
}

// statusHistoryTail bounds how much transition history Status carries.
const statusHistoryTail = 10

// Status builds a detailed view for the /status surface and diagnostics.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()

	st := Status{
		State:    c.sm.Current(),
		Released: c.released.Load(),
		QueueLen: c.queue.Len(),
		Queue:    c.queue.Stats(),
		Uptime:   time.Since(c.startTime),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	hist := c.sm.History()
	if len(hist) > statusHistoryTail {
		hist = hist[len(hist)-statusHistoryTail:]
	}
	st.Transitions = hist
	return st
}
