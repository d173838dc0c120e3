package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"promptd/internal/engine"
)

func TestCoordinatorInitializeToReady(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	if c.State() != StateUninitialized {
		t.Fatalf("fresh coordinator state = %s", c.State())
	}
	if err := c.Initialize(context.Background(), engine.Config{ModelPath: "m.gguf"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if !c.CanAcceptPrompts() || c.ShouldQueuePrompts() {
		t.Fatalf("readiness predicates wrong: accept=%v queue=%v", c.CanAcceptPrompts(), c.ShouldQueuePrompts())
	}
	// Second call is a no-op success, no new engine attempt.
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("repeat initialize: %v", err)
	}
	if eng.initCount() != 1 {
		t.Fatalf("engine initialized %d times, want 1", eng.initCount())
	}
}

func TestCoordinatorInitializeRetriesThenReady(t *testing.T) {
	eng := &fakeEngine{failInits: 2}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if eng.initCount() != 3 {
		t.Fatalf("attempts = %d, want 3", eng.initCount())
	}
}

func TestCoordinatorInitializeExhaustionEntersError(t *testing.T) {
	eng := &fakeEngine{failInits: 100}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	err := c.Initialize(context.Background(), engine.Config{})
	if err == nil || !IsInitFailed(err) {
		t.Fatalf("expected init-failed error, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("state = %s, want error", c.State())
	}
	// Error state permits another attempt.
	eng.mu.Lock()
	eng.failInits = 0
	eng.mu.Unlock()
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("re-initialize from error: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s after recovery", c.State())
	}
}

func TestCoordinatorConcurrentInitializeSingleFlight(t *testing.T) {
	eng := &fakeEngine{initDelay: 30 * time.Millisecond}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Initialize(context.Background(), engine.Config{})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent initialize: %v", err)
		}
	}
	if eng.initCount() != 1 {
		t.Fatalf("engine initialized %d times under concurrency, want 1", eng.initCount())
	}
}

func TestCoordinatorSubmitDirectWhenReady(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	res, err := c.Submit(context.Background(), Prompt{Text: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != OutcomeProcessedImmediately {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	evs := collect(t, res.Stream)
	if len(evs) != 2 || evs[0].Token != "hello" || evs[1].Kind != engine.EventComplete {
		t.Fatalf("unexpected stream: %+v", evs)
	}
}

func TestCoordinatorSubmitBeforeInitRefused(t *testing.T) {
	c := newTestCoordinator(t, &fakeEngine{}, smallQueue(4, OverflowReject))
	_, err := c.Submit(context.Background(), Prompt{Text: "early"})
	if err == nil || !IsNotReady(err) {
		t.Fatalf("expected not-ready error, got %v", err)
	}
}

func TestCoordinatorSubmitDuringInitQueuedThenServed(t *testing.T) {
	eng := &fakeEngine{initDelay: 50 * time.Millisecond}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	initDone := make(chan error, 1)
	go func() { initDone <- c.Initialize(context.Background(), engine.Config{}) }()

	for c.State() != StateInitializing {
		time.Sleep(time.Millisecond)
	}
	res, err := c.Submit(context.Background(), Prompt{Text: "queued"})
	if err != nil {
		t.Fatalf("submit during init: %v", err)
	}
	if res.Outcome != OutcomeEnqueued {
		t.Fatalf("outcome = %s, want Enqueued", res.Outcome)
	}
	if res.ID == "" || res.Position != 1 {
		t.Fatalf("unexpected admission: %+v", res)
	}

	if err := <-initDone; err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// The drain loop completes the placeholder with real engine events.
	evs := collect(t, res.Stream)
	if len(evs) != 2 || evs[0].Token != "queued" || evs[1].Kind != engine.EventComplete {
		t.Fatalf("queued request not served: %+v", evs)
	}
	if s := c.Queue().Stats(); s.Dequeued != 1 || s.Processed != 1 {
		t.Fatalf("drain stats: %+v", s)
	}
}

func TestCoordinatorQueuePriorityServiceOrder(t *testing.T) {
	eng := &fakeEngine{initDelay: 60 * time.Millisecond}
	c := newTestCoordinator(t, eng, smallQueue(8, OverflowReject))

	initDone := make(chan error, 1)
	go func() { initDone <- c.Initialize(context.Background(), engine.Config{}) }()
	for c.State() != StateInitializing {
		time.Sleep(time.Millisecond)
	}

	low, err := c.Submit(context.Background(), Prompt{Text: "low", Priority: PriorityLow})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	crit, err := c.Submit(context.Background(), Prompt{Text: "crit", Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("submit crit: %v", err)
	}
	if err := <-initDone; err != nil {
		t.Fatalf("initialize: %v", err)
	}

	critEvs := collect(t, crit.Stream)
	lowEvs := collect(t, low.Stream)
	if critEvs[len(critEvs)-1].Complete == nil || lowEvs[len(lowEvs)-1].Complete == nil {
		t.Fatalf("both queued requests should complete: crit=%+v low=%+v", critEvs, lowEvs)
	}
}

func TestCoordinatorSubmitQueueFullTooBusy(t *testing.T) {
	eng := &fakeEngine{initDelay: 200 * time.Millisecond}
	c := newTestCoordinator(t, eng, smallQueue(1, OverflowReject))

	go c.Initialize(context.Background(), engine.Config{})
	for c.State() != StateInitializing {
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Submit(context.Background(), Prompt{Text: "a"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	res, err := c.Submit(context.Background(), Prompt{Text: "b"})
	if err == nil || !IsTooBusy(err) {
		t.Fatalf("expected too-busy, got %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s", res.Outcome)
	}
}

func TestCoordinatorInitFailureResolvesQueued(t *testing.T) {
	eng := &fakeEngine{failInits: 100, initDelay: 20 * time.Millisecond}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	initDone := make(chan error, 1)
	go func() { initDone <- c.Initialize(context.Background(), engine.Config{}) }()
	for c.State() != StateInitializing {
		time.Sleep(time.Millisecond)
	}
	res, err := c.Submit(context.Background(), Prompt{Text: "buffered", TTL: time.Minute})
	if err != nil {
		t.Fatalf("submit during init: %v", err)
	}

	if err := <-initDone; !IsInitFailed(err) {
		t.Fatalf("expected init-failed error, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("state = %s", c.State())
	}
	// The buffered request can never be serviced; its placeholder must
	// resolve instead of holding the submitter forever.
	evs := collect(t, res.Stream)
	if len(evs) != 1 || evs[0].Kind != engine.EventError || !IsInitFailed(evs[0].Err) {
		t.Fatalf("placeholder not resolved with init failure: %+v", evs)
	}
	if c.Queue().Len() != 0 {
		t.Fatalf("queue still holds %d items after terminal failure", c.Queue().Len())
	}
	s := c.Queue().Stats()
	if got := s.Dequeued + s.Expired + s.Dropped + s.Removed + s.Cleared + uint64(c.Queue().Len()); s.Enqueued != got {
		t.Fatalf("accounting broken after failure: enqueued=%d accounted=%d (%+v)", s.Enqueued, got, s)
	}
}

func TestCoordinatorSubmitRacingInitFailure(t *testing.T) {
	eng := &fakeEngine{failInits: 100}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.Initialize(context.Background(), engine.Config{}); err == nil {
		t.Fatalf("initialize should fail")
	}
	// State settled in Error; submissions must be refused, and any that slip
	// into the queue must not linger there.
	if _, err := c.Submit(context.Background(), Prompt{Text: "late"}); !IsNotReady(err) {
		t.Fatalf("expected not-ready, got %v", err)
	}
	if c.Queue().Len() != 0 {
		t.Fatalf("queue holds %d items in error state", c.Queue().Len())
	}
}

// TestCoordinatorInitializerHaltedByRelease reproduces the interleaving where
// Release sets the released flag before the initializer handle is stored, so
// its cancel pass had nothing to cancel. The fresh initializer must still not
// run attempts against the engine.
func TestCoordinatorInitializerHaltedByRelease(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.sm.Transition(StateInitializing, "initialize requested", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	c.released.Store(true)
	if err := c.runInitializer(context.Background(), engine.Config{}); err == nil {
		t.Fatalf("expected error from halted initializer")
	}
	if eng.initCount() != 0 {
		t.Fatalf("engine saw %d attempts after release", eng.initCount())
	}
}

func TestCoordinatorReleaseIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Release()
		}()
	}
	wg.Wait()
	c.Release()

	if got := eng.releases.Load(); got != 1 {
		t.Fatalf("engine released %d times, want 1", got)
	}
	if !c.Released() {
		t.Fatalf("released flag not set")
	}
	if c.State() != StateReleased {
		t.Fatalf("state = %s, want released", c.State())
	}
}

func TestCoordinatorSubmitAfterRelease(t *testing.T) {
	c := newTestCoordinator(t, &fakeEngine{}, smallQueue(4, OverflowReject))
	c.Release()
	if _, err := c.Submit(context.Background(), Prompt{Text: "x"}); !IsReleased(err) {
		t.Fatalf("expected released error, got %v", err)
	}
	if err := c.Initialize(context.Background(), engine.Config{}); !IsReleased(err) {
		t.Fatalf("initialize after release: %v", err)
	}
	if err := c.StopGeneration(); !IsReleased(err) {
		t.Fatalf("stop after release: %v", err)
	}
}

func TestCoordinatorShutdownFromReady(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if c.State() != StateReleased {
		t.Fatalf("state = %s after shutdown", c.State())
	}
	if eng.releases.Load() != 1 {
		t.Fatalf("engine released %d times", eng.releases.Load())
	}
	if err := c.Shutdown(ctx); !IsReleased(err) {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestCoordinatorShutdownDuringInit(t *testing.T) {
	eng := &fakeEngine{initDelay: 10 * time.Second}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	initDone := make(chan error, 1)
	go func() { initDone <- c.Initialize(context.Background(), engine.Config{}) }()
	for c.State() != StateInitializing {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown during init: %v", err)
	}
	if err := <-initDone; err == nil {
		t.Fatalf("cancelled initialize returned nil")
	}
	// Never reached Ready, so teardown takes the forceful path; the
	// released flag is what gates the API from here on.
	if !c.Released() {
		t.Fatalf("not released after shutdown")
	}
	if eng.releases.Load() != 1 {
		t.Fatalf("engine released %d times", eng.releases.Load())
	}
	if _, err := c.Submit(context.Background(), Prompt{Text: "x"}); !IsReleased(err) {
		t.Fatalf("submit after shutdown: %v", err)
	}
}

func TestCoordinatorShutdownClearsQueue(t *testing.T) {
	eng := &fakeEngine{initDelay: 10 * time.Second}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	go c.Initialize(context.Background(), engine.Config{})
	for c.State() != StateInitializing {
		time.Sleep(time.Millisecond)
	}
	res, err := c.Submit(context.Background(), Prompt{Text: "doomed"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	evs := collect(t, res.Stream)
	if len(evs) != 1 || evs[0].Kind != engine.EventError {
		t.Fatalf("pending request not resolved on shutdown: %+v", evs)
	}
	if c.Queue().Len() != 0 {
		t.Fatalf("queue not empty after shutdown")
	}
}

func TestCoordinatorCallbackSequence(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}
	c.RegisterCallback(LifecycleHooks{
		OnInitialized: func(m engine.Metrics) { record("initialized") },
		OnReady:       func() { record("ready") },
		OnShuttingDown: func() {
			record("shutting_down")
		},
		OnReleased: func() { record("released") },
	})
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"initialized", "ready", "shutting_down", "released"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestCoordinatorCallbackUnregister(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))

	fired := make(chan struct{}, 1)
	tok := c.RegisterCallback(LifecycleHooks{OnReady: func() { fired <- struct{}{} }})
	c.UnregisterCallback(tok)
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	select {
	case <-fired:
		t.Fatalf("unregistered callback fired")
	default:
	}
}

func TestCoordinatorCallbackPanicIsolated(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	readyFired := make(chan struct{}, 1)
	c.RegisterCallback(LifecycleHooks{
		OnInitialized: func(m engine.Metrics) { panic("hook gone wrong") },
		OnReady:       func() { readyFired <- struct{}{} },
	})
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize despite panicking hook: %v", err)
	}
	select {
	case <-readyFired:
	case <-time.After(time.Second):
		t.Fatalf("later hook suppressed by earlier panic")
	}
}

func TestCoordinatorStopAndResetPassthrough(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.StopGeneration(); !IsNotReady(err) {
		t.Fatalf("stop before init: %v", err)
	}
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.StopGeneration(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.ResetContext(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if eng.stops.Load() != 1 || eng.resets.Load() != 1 {
		t.Fatalf("passthrough counts: stops=%d resets=%d", eng.stops.Load(), eng.resets.Load())
	}
}

func TestCoordinatorWaitForReady(t *testing.T) {
	eng := &fakeEngine{initDelay: 20 * time.Millisecond}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	go c.Initialize(context.Background(), engine.Config{})
	if !c.WaitForReady(2 * time.Second) {
		t.Fatalf("WaitForReady timed out")
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s", c.State())
	}
}

func TestCoordinatorStatus(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCoordinator(t, eng, smallQueue(4, OverflowReject))
	if err := c.Initialize(context.Background(), engine.Config{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	st := c.Status()
	if st.State != StateReady || st.Released {
		t.Fatalf("status = %+v", st)
	}
	if st.Uptime <= 0 {
		t.Fatalf("uptime not tracked: %v", st.Uptime)
	}
	if len(st.Transitions) == 0 {
		t.Fatalf("status carries no transition history")
	}
}
