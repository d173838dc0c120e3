package coordinator

import (
	"sync"

	"github.com/rs/zerolog"

	"promptd/internal/engine"
)

// LifecycleHooks is a set of optional observers for coordinator lifecycle
// milestones. Nil fields are skipped. Hooks must be fast and must not call
// back into the coordinator synchronously from OnShuttingDown/OnReleased.
type LifecycleHooks struct {
	OnInitialized  func(engine.Metrics)
	OnReady        func()
	OnError        func(error)
	OnShuttingDown func()
	OnReleased     func()
}

// CallbackToken identifies one registration, making unregister unambiguous
// even when the same hook set is registered twice.
type CallbackToken int

// callbackRegistry holds lifecycle observers under its own lock, distinct
// from the state lock: registering a callback never blocks a transition and
// vice versa. Hooks run over a snapshot copy, with panics isolated.
type callbackRegistry struct {
	mu    sync.Mutex
	hooks map[CallbackToken]LifecycleHooks
	next  CallbackToken
	log   zerolog.Logger
}

func newCallbackRegistry(log zerolog.Logger) *callbackRegistry {
	return &callbackRegistry{hooks: make(map[CallbackToken]LifecycleHooks), log: log}
}

func (r *callbackRegistry) register(h LifecycleHooks) CallbackToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.next
	r.next++
	r.hooks[tok] = h
	return tok
}

func (r *callbackRegistry) unregister(tok CallbackToken) {
	r.mu.Lock()
	delete(r.hooks, tok)
	r.mu.Unlock()
}

func (r *callbackRegistry) snapshot() []LifecycleHooks {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleHooks, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	return out
}

func (r *callbackRegistry) invoke(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Any("panic", rec).Str("hook", name).Msg("lifecycle hook panicked")
		}
	}()
	fn()
}

func (r *callbackRegistry) fireInitialized(m engine.Metrics) {
	for _, h := range r.snapshot() {
		h := h
		r.invoke("on_initialized", func() {
			if h.OnInitialized != nil {
				h.OnInitialized(m)
			}
		})
	}
}

func (r *callbackRegistry) fireReady() {
	for _, h := range r.snapshot() {
		r.invoke("on_ready", h.OnReady)
	}
}

func (r *callbackRegistry) fireError(err error) {
	for _, h := range r.snapshot() {
		h := h
		r.invoke("on_error", func() {
			if h.OnError != nil {
				h.OnError(err)
			}
		})
	}
}

func (r *callbackRegistry) fireShuttingDown() {
	for _, h := range r.snapshot() {
		r.invoke("on_shutting_down", h.OnShuttingDown)
	}
}

func (r *callbackRegistry) fireReleased() {
	for _, h := range r.snapshot() {
		r.invoke("on_released", h.OnReleased)
	}
}
