package consumer

import (
	"testing"

	"github.com/busgopher/protobus/connection"
)

// newTestManager returns an unconnected Manager: enough for Base's
// constructor (which only registers a reconnect listener) without
// needing a real broker.
func newTestManager() *connection.Manager {
	return connection.New(connection.Config{}, nil)
}

func TestBaseWantsRetryOnlyForNamedQueues(t *testing.T) {
	named := New(newTestManager(), nil, Config{Topology: Topology{Queue: "Math"}})
	if !named.wantsRetry() {
		t.Fatalf("named queue consumer should want a retry/DLQ pair")
	}

	anonymous := New(newTestManager(), nil, Config{Topology: Topology{Queue: ""}})
	if anonymous.wantsRetry() {
		t.Fatalf("anonymous (server-named) queue consumer should not get a retry/DLQ pair")
	}
}

func TestBaseEffectiveQueueEmptyBeforeInit(t *testing.T) {
	b := New(newTestManager(), nil, Config{Topology: Topology{Queue: "Math"}})
	if got := b.EffectiveQueue(); got != "" {
		t.Fatalf("EffectiveQueue() before Init = %q, want empty", got)
	}
}

func TestBaseHandlesDisconnectedEventBeforeStartWithoutPanicking(t *testing.T) {
	mgr := newTestManager()
	b := New(mgr, nil, Config{Topology: Topology{Queue: "Math"}})

	// Never Started, so cancel/ch/done are all nil; the reconnect
	// listener must treat that as a no-op rather than panic.
	b.onConnectionEvent(connection.Event{Kind: connection.EventDisconnected})
}

func TestBaseCloseBeforeStartSucceeds(t *testing.T) {
	mgr := newTestManager()
	b := New(mgr, nil, Config{Topology: Topology{Queue: "Math"}})

	if err := b.Close(); err != nil {
		t.Fatalf("Close() on a never-started consumer: %v", err)
	}

	// Close also removes the consumer's reconnect listener via mgr.Off.
	// Manager events cannot be fired from this package, so that removal
	// is covered by the listenerSet tests in package connection; here the
	// manager only has to stay usable for new registrations.
	mgr.On(func(connection.Event) {})
}
