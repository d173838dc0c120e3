package coordinator

import (
	"context"
	"time"

	"promptd/internal/engine"
)

// startDrain launches the background loop that services buffered requests.
// Called exactly once per Ready transition; the loop is cancelled when the
// coordinator leaves Ready via shutdown or release.
func (c *Coordinator) startDrain() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.drainCancel = cancel
	c.drainDone = done
	c.mu.Unlock()
	go c.drainLoop(ctx, done)
}

// stopDrain cancels the drain loop. With a non-nil ctx it also waits for
// the loop to finish, bounded by that context.
func (c *Coordinator) stopDrain(ctx context.Context) {
	c.mu.Lock()
	cancel := c.drainCancel
	done := c.drainDone
	c.drainCancel = nil
	c.drainDone = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if ctx == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// drainLoop polls the queue and dispatches each item to the engine,
// feeding results back into the item's placeholder stream. An empty queue
// suspends the loop for a short fixed interval instead of busy-spinning.
func (c *Coordinator) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.pub.Publish(Event{Name: "drain_started", Fields: map[string]any{}})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		req := c.queue.Dequeue()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.DrainInterval):
			}
			continue
		}
		c.serve(ctx, req)
	}
}

// serve dispatches one dequeued request and forwards the engine stream into
// the placeholder handed out at enqueue time. The placeholder is always
// closed, so submitters never hang on an abandoned stream.
func (c *Coordinator) serve(ctx context.Context, req *QueuedRequest) {
	start := time.Now()
	stream, err := c.dispatch(ctx, req.Prompt)
	if err != nil {
		req.out <- engine.Event{Kind: engine.EventError, Err: err}
		close(req.out)
		c.queue.recordProcessing(time.Since(start), true)
		c.log.Warn().Err(err).Str("id", req.ID).Msg("queued request dispatch failed")
		return
	}
	failed := false
	for ev := range stream {
		if ev.Kind == engine.EventError {
			failed = true
		}
		select {
		case req.out <- ev:
		case <-ctx.Done():
			close(req.out)
			c.queue.recordProcessing(time.Since(start), true)
			return
		}
	}
	close(req.out)
	c.queue.recordProcessing(time.Since(start), failed)
	c.pub.Publish(Event{Name: "request_served", Fields: map[string]any{
		"id":       req.ID,
		"waited":   start.Sub(req.EnqueueTime).String(),
		"duration": time.Since(start).String(),
	}})
}
