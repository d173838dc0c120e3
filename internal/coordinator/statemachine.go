package coordinator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// historyCapacity bounds the transition history ring.
const historyCapacity = 100

// validTransitions is the authoritative transition table. Any pair absent
// here is invalid, including self-transitions and anything out of Released.
var validTransitions = map[EngineState][]EngineState{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady, StateError},
	StateReady:         {StateShuttingDown},
	StateError:         {StateInitializing},
	StateShuttingDown:  {StateReleased, StateError},
}

// StateMachine holds the engine lifecycle state, validates and applies
// transitions atomically, and keeps a bounded transition history.
//
// Check-then-act is serialized under one mutex; observers and subscribers
// are notified after the lock is released so a misbehaving observer cannot
// deadlock the machine.
type StateMachine struct {
	mu      sync.Mutex
	state   EngineState
	history []StateTransitionEvent
	// changed is closed and replaced on every accepted transition; WaitFor
	// blocks on it instead of polling.
	changed chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(StateTransitionEvent)
	nextObs   int

	subMu sync.Mutex
	subs  map[int]chan EngineState
	next  int

	log zerolog.Logger
}

// NewStateMachine returns a machine in StateUninitialized.
func NewStateMachine(log zerolog.Logger) *StateMachine {
	return &StateMachine{
		state:     StateUninitialized,
		changed:   make(chan struct{}),
		observers: make(map[int]func(StateTransitionEvent)),
		subs:      make(map[int]chan EngineState),
		log:       log,
	}
}

// Current returns the state as of the last accepted transition.
func (sm *StateMachine) Current() EngineState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Transition atomically validates and applies a state change. On rejection
// it returns an invalid-transition error and has no side effects: no state
// change, no history entry, no notification.
func (sm *StateMachine) Transition(to EngineState, reason string, cause error) error {
	sm.mu.Lock()
	from := sm.state
	if !transitionAllowed(from, to) {
		sm.mu.Unlock()
		return invalidTransitionError{from: from, to: to}
	}
	ev := StateTransitionEvent{From: from, To: to, Reason: reason, Err: cause, Timestamp: time.Now()}
	sm.state = to
	sm.history = append(sm.history, ev)
	if len(sm.history) > historyCapacity {
		sm.history = sm.history[len(sm.history)-historyCapacity:]
	}
	close(sm.changed)
	sm.changed = make(chan struct{})
	sm.mu.Unlock()

	sm.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("state transition")
	sm.notify(ev)
	return nil
}

func transitionAllowed(from, to EngineState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// notify runs outside the state lock. Observers are iterated over a snapshot
// so one that unregisters itself mid-iteration cannot corrupt the walk, and
// panics are recovered so one broken observer cannot starve the rest.
func (sm *StateMachine) notify(ev StateTransitionEvent) {
	sm.obsMu.Lock()
	obs := make([]func(StateTransitionEvent), 0, len(sm.observers))
	for _, fn := range sm.observers {
		obs = append(obs, fn)
	}
	sm.obsMu.Unlock()
	for _, fn := range obs {
		sm.invokeObserver(fn, ev)
	}

	sm.subMu.Lock()
	for _, ch := range sm.subs {
		select {
		case ch <- ev.To:
		default:
			// Slow subscriber; drop rather than block the machine.
		}
	}
	sm.subMu.Unlock()
}

func (sm *StateMachine) invokeObserver(fn func(StateTransitionEvent), ev StateTransitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			sm.log.Error().Any("panic", r).Msg("state observer panicked")
		}
	}()
	fn(ev)
}

// OnTransition registers an observer invoked after every accepted
// transition. The returned function unregisters it; unregistering twice is
// harmless.
func (sm *StateMachine) OnTransition(fn func(StateTransitionEvent)) func() {
	sm.obsMu.Lock()
	id := sm.nextObs
	sm.nextObs++
	sm.observers[id] = fn
	sm.obsMu.Unlock()
	return func() {
		sm.obsMu.Lock()
		delete(sm.observers, id)
		sm.obsMu.Unlock()
	}
}

// Subscribe returns a buffered stream of state changes and a cancel
// function. Events are dropped, not blocked on, if the subscriber lags.
func (sm *StateMachine) Subscribe() (<-chan EngineState, func()) {
	ch := make(chan EngineState, 16)
	sm.subMu.Lock()
	id := sm.next
	sm.next++
	sm.subs[id] = ch
	sm.subMu.Unlock()
	return ch, func() {
		sm.subMu.Lock()
		delete(sm.subs, id)
		sm.subMu.Unlock()
	}
}

// WaitFor blocks until the machine reaches target, the timeout elapses, or
// the machine lands in a state from which target is unreachable by waiting
// (Released, or Error when Error is not the target). Returns whether target
// was reached.
func (sm *StateMachine) WaitFor(target EngineState, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		sm.mu.Lock()
		cur := sm.state
		changed := sm.changed
		sm.mu.Unlock()
		if cur == target {
			return true
		}
		if cur.IsTerminal() || cur == StateError {
			return false
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// History returns a copy of the recorded transitions, oldest first.
func (sm *StateMachine) History() []StateTransitionEvent {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]StateTransitionEvent, len(sm.history))
	copy(out, sm.history)
	return out
}
