package coordinator

// Event is a coordinator telemetry event: state transitions, queue drops,
// expiries, drain activity. Minimal and stable: name plus key/value fields.
type Event struct {
	Name   string
	Fields map[string]any
}

// EventPublisher receives events from the coordinator. Implementations should
// be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
