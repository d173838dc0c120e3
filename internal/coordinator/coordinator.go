package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"promptd/internal/engine"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultDrainInterval   = 25 * time.Millisecond
	defaultInitWaitTimeout = 2 * time.Minute
)

// Config encapsulates all tunables for Coordinator construction.
type Config struct {
	Retry RetryPolicy
	Queue QueueConfig
	// DrainInterval is how long the drain loop sleeps when the queue is
	// empty before polling again.
	DrainInterval time.Duration
	// InitWaitTimeout bounds how long a second Initialize caller waits for
	// an in-flight initialization instead of starting its own.
	InitWaitTimeout time.Duration
	Publisher       EventPublisher
	Logger          zerolog.Logger
}

// Coordinator orchestrates the lifecycle of one engine: it tracks readiness
// through a state machine, retries initialization with backoff, buffers
// submissions that arrive while initializing, and drains the buffer once the
// engine is ready.
//
// The engine handle is owned exclusively by the coordinator; neither the
// state lock nor the queue lock is ever held across a call into the engine
// or into a lifecycle hook.
type Coordinator struct {
	cfg       Config
	sm        *StateMachine
	queue     *RequestQueue
	callbacks *callbackRegistry
	pub       EventPublisher
	log       zerolog.Logger
	startTime time.Time

	mu          sync.Mutex
	eng         engine.Engine
	init        *Initializer
	drainCancel context.CancelFunc
	drainDone   chan struct{}
	lastErr     error

	released atomic.Bool
}

// New constructs a Coordinator owning the given engine handle.
func New(eng engine.Engine, cfg Config) (*Coordinator, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.InitWaitTimeout <= 0 {
		cfg.InitWaitTimeout = defaultInitWaitTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	queue, err := NewRequestQueue(cfg.Queue, cfg.Publisher)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		sm:        NewStateMachine(cfg.Logger),
		queue:     queue,
		callbacks: newCallbackRegistry(cfg.Logger),
		pub:       cfg.Publisher,
		log:       cfg.Logger,
		startTime: time.Now(),
		eng:       eng,
	}
	// Telemetry sink: every accepted transition becomes an event.
	c.sm.OnTransition(func(ev StateTransitionEvent) {
		stateTransitionsTotal.WithLabelValues(string(ev.From), string(ev.To)).Inc()
		fields := map[string]any{"from": string(ev.From), "to": string(ev.To)}
		if ev.Reason != "" {
			fields["reason"] = ev.Reason
		}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		c.pub.Publish(Event{Name: "state_transition", Fields: fields})
	})
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() EngineState { return c.sm.Current() }

// CanAcceptPrompts reports whether a submission would dispatch immediately.
func (c *Coordinator) CanAcceptPrompts() bool { return c.sm.Current() == StateReady }

// ShouldQueuePrompts reports whether a submission would be buffered.
func (c *Coordinator) ShouldQueuePrompts() bool { return c.sm.Current() == StateInitializing }

// WaitForReady blocks until the engine is Ready or the timeout elapses.
func (c *Coordinator) WaitForReady(timeout time.Duration) bool {
	return c.sm.WaitFor(StateReady, timeout)
}

// RegisterCallback adds lifecycle hooks and returns a token for removal.
func (c *Coordinator) RegisterCallback(h LifecycleHooks) CallbackToken {
	return c.callbacks.register(h)
}

// UnregisterCallback removes a previously registered hook set.
func (c *Coordinator) UnregisterCallback(tok CallbackToken) {
	c.callbacks.unregister(tok)
}

// SubscribeStates exposes the state machine's change stream.
func (c *Coordinator) SubscribeStates() (<-chan EngineState, func()) {
	return c.sm.Subscribe()
}

// Queue exposes the request queue for status reporting and tests.
func (c *Coordinator) Queue() *RequestQueue { return c.queue }

// Initialize brings the engine to Ready, retrying per the configured
// policy. Calling it while another initialization is in flight waits for
// that one instead of starting a second attempt; calling it when already
// Ready is a no-op success.
func (c *Coordinator) Initialize(ctx context.Context, engCfg engine.Config) error {
	for {
		if c.released.Load() {
			return ErrReleased()
		}
		switch st := c.sm.Current(); st {
		case StateReady:
			return nil
		case StateInitializing:
			return c.awaitInFlightInit()
		case StateShuttingDown, StateReleased:
			return notReadyError{state: st}
		}
		if err := c.sm.Transition(StateInitializing, "initialize requested", nil); err != nil {
			// Raced with another caller; re-evaluate.
			continue
		}
		break
	}
	return c.runInitializer(ctx, engCfg)
}

// awaitInFlightInit joins an initialization started by another caller, so
// all concurrent callers observe the same terminal outcome.
func (c *Coordinator) awaitInFlightInit() error {
	if c.sm.WaitFor(StateReady, c.cfg.InitWaitTimeout) {
		return nil
	}
	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()
	if c.sm.Current() == StateError && lastErr != nil {
		return lastErr
	}
	return notReadyError{state: c.sm.Current()}
}

func (c *Coordinator) runInitializer(ctx context.Context, engCfg engine.Config) error {
	c.mu.Lock()
	eng := c.eng
	init := NewInitializer(eng, c.cfg.Retry, c.log)
	c.init = init
	c.mu.Unlock()
	if eng == nil {
		_ = c.sm.Transition(StateError, "engine handle released", nil)
		return ErrReleased()
	}
	// A Release that ran before c.init was stored had no initializer to
	// cancel; it must not leave this one running against a released engine.
	if c.released.Load() {
		init.Cancel()
	}

	res := init.Run(ctx, engCfg, func(pct int, msg string) {
		c.log.Info().Int("percent", pct).Str("message", msg).Msg("initialization progress")
		c.pub.Publish(Event{Name: "init_progress", Fields: map[string]any{"percent": pct, "message": msg}})
	})
	switch res.Outcome {
	case InitSuccess:
		if err := c.sm.Transition(StateReady, "initialization complete", nil); err != nil {
			// Shutdown or release raced us out of Initializing.
			return err
		}
		c.mu.Lock()
		c.lastErr = nil
		c.mu.Unlock()
		c.startDrain()
		c.callbacks.fireInitialized(res.Metrics)
		c.callbacks.fireReady()
		c.log.Info().Int("attempts", res.Attempts).Dur("load", res.Metrics.LoadDuration).Msg("engine ready")
		return nil
	case InitCancelled:
		// State is left for the canceller (shutdown/release) to settle.
		c.log.Info().Str("reason", res.Reason).Msg("initialization cancelled")
		return notReadyError{state: c.sm.Current()}
	default:
		c.mu.Lock()
		c.lastErr = res.Err
		c.mu.Unlock()
		_ = c.sm.Transition(StateError, "initialization failed", res.Err)
		// Requests buffered during initialization can no longer be serviced;
		// resolve their placeholders so submitters are not left waiting on a
		// drain loop that will never start.
		if n := c.queue.FailAll(res.Err); n > 0 {
			c.log.Warn().Int("count", n).Msg("failed queued requests after initialization failure")
		}
		c.callbacks.fireError(res.Err)
		return res.Err
	}
}

// Submit routes a prompt by current state: dispatched directly when Ready,
// buffered when Initializing, refused otherwise. The returned result's
// Stream carries the engine events for accepted submissions; refusals are
// reported through the error, typed for IsTooBusy/IsNotReady/IsReleased.
func (c *Coordinator) Submit(ctx context.Context, p Prompt) (EnqueueResult, error) {
	if c.released.Load() {
		return EnqueueResult{Outcome: OutcomeRejected, Reason: "released"}, ErrReleased()
	}
	switch st := c.sm.Current(); st {
	case StateReady:
		stream, err := c.dispatch(ctx, p)
		if err != nil {
			return EnqueueResult{Outcome: OutcomeRejected, Reason: err.Error()}, err
		}
		submitTotal.WithLabelValues("direct").Inc()
		return EnqueueResult{Outcome: OutcomeProcessedImmediately, Stream: stream}, nil
	case StateInitializing:
		res := c.queue.Enqueue(p)
		submitTotal.WithLabelValues(res.Outcome.String()).Inc()
		if res.Outcome == OutcomeRejected {
			return res, tooBusyError{reason: res.Reason}
		}
		// Initialization may have failed between the state check and the
		// enqueue; a request admitted after FailAll ran would be stranded.
		if st := c.sm.Current(); st == StateError && c.queue.Remove(res.ID) {
			return EnqueueResult{Outcome: OutcomeRejected, Reason: "initialization failed"}, notReadyError{state: st}
		}
		return res, nil
	case StateReleased:
		return EnqueueResult{Outcome: OutcomeRejected, Reason: "released"}, ErrReleased()
	default:
		submitTotal.WithLabelValues("refused").Inc()
		return EnqueueResult{Outcome: OutcomeRejected, Reason: string(st)}, notReadyError{state: st}
	}
}

// StopGeneration forwards a stop signal to the engine when operational.
func (c *Coordinator) StopGeneration() error {
	eng, err := c.operationalEngine()
	if err != nil {
		return err
	}
	return eng.StopGeneration()
}

// ResetContext clears the engine's conversation state when operational.
func (c *Coordinator) ResetContext() error {
	eng, err := c.operationalEngine()
	if err != nil {
		return err
	}
	return eng.ResetContext()
}

func (c *Coordinator) operationalEngine() (engine.Engine, error) {
	if c.released.Load() {
		return nil, ErrReleased()
	}
	if st := c.sm.Current(); !st.IsOperational() {
		return nil, notReadyError{state: st}
	}
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return nil, ErrReleased()
	}
	return eng, nil
}

// dispatch sends a prompt to the engine. Chat history selects the chat
// path. Never called with a coordinator lock held.
func (c *Coordinator) dispatch(ctx context.Context, p Prompt) (<-chan engine.Event, error) {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return nil, ErrReleased()
	}
	if len(p.History) > 0 {
		return eng.Chat(ctx, p.History, p.Params)
	}
	return eng.Generate(ctx, p.Text, p.Params)
}

// Shutdown tears the coordinator down gracefully: admission stops, any
// in-flight initialization is cancelled, the engine is released, and the
// queue is cleared. A failure mid-sequence lands the machine in Error
// rather than leaving it in ShuttingDown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.released.Load() {
		return ErrReleased()
	}
	c.queue.StopAccepting()
	c.cancelInitializer()
	// An initialization cancelled mid-flight leaves the machine in
	// Initializing; settle it so the teardown transitions can proceed.
	if c.sm.Current() == StateInitializing {
		_ = c.sm.Transition(StateError, "shutdown requested", nil)
	}
	if err := c.sm.Transition(StateShuttingDown, "shutdown", nil); err != nil {
		// Never reached Ready; nothing to drain gracefully. Forceful path
		// still tears everything down.
		c.Release()
		return nil
	}
	c.callbacks.fireShuttingDown()
	c.stopDrain(ctx)
	if err := c.releaseEngine(); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		_ = c.sm.Transition(StateError, "engine release failed", err)
		c.callbacks.fireError(err)
		return err
	}
	c.queue.Clear()
	c.released.Store(true)
	_ = c.sm.Transition(StateReleased, "shutdown complete", nil)
	c.callbacks.fireReleased()
	c.log.Info().Msg("coordinator shut down")
	return nil
}

// Release is the forceful, idempotent teardown: usable even if Shutdown was
// never called or failed partway. The body runs at most once; concurrent
// and repeated calls are no-ops.
func (c *Coordinator) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.queue.StopAccepting()
	c.cancelInitializer()
	c.stopDrain(nil)
	c.queue.Clear()
	if err := c.releaseEngine(); err != nil {
		c.log.Error().Err(err).Msg("engine release failed during forced teardown")
	}
	// Walk the machine toward Released where the table allows; a machine
	// stuck in Error or Uninitialized keeps its state, the released flag is
	// authoritative for API rejection.
	if c.sm.Current() == StateInitializing {
		_ = c.sm.Transition(StateError, "released", nil)
	}
	_ = c.sm.Transition(StateShuttingDown, "released", nil)
	_ = c.sm.Transition(StateReleased, "released", nil)
	c.callbacks.fireReleased()
	c.log.Info().Msg("coordinator released")
}

// Released reports whether teardown has run.
func (c *Coordinator) Released() bool { return c.released.Load() }

func (c *Coordinator) cancelInitializer() {
	c.mu.Lock()
	init := c.init
	c.mu.Unlock()
	if init != nil {
		init.Cancel()
	}
}

func (c *Coordinator) releaseEngine() error {
	c.mu.Lock()
	eng := c.eng
	c.eng = nil
	init := c.init
	c.mu.Unlock()
	if init != nil {
		init.Release()
	}
	if eng == nil {
		return nil
	}
	return eng.Release()
}
