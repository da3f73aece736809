package connection

import "testing"

func TestListenerSetRemoveStopsDelivery(t *testing.T) {
	var s listenerSet

	var firstCount, secondCount int
	first := s.add(func(Event) { firstCount++ })
	s.add(func(Event) { secondCount++ })

	s.emit(Event{Kind: EventReconnected})
	if firstCount != 1 || secondCount != 1 {
		t.Fatalf("before remove: firstCount=%d secondCount=%d, want 1,1", firstCount, secondCount)
	}

	s.remove(first)
	s.emit(Event{Kind: EventReconnected})
	if firstCount != 1 {
		t.Fatalf("after remove: firstCount=%d, want 1 (removed listener must not fire again)", firstCount)
	}
	if secondCount != 2 {
		t.Fatalf("after remove: secondCount=%d, want 2 (surviving listener must still fire)", secondCount)
	}
}

func TestListenerSetRemoveIsIdempotent(t *testing.T) {
	var s listenerSet
	id := s.add(func(Event) {})
	s.remove(id)
	s.remove(id) // must not panic
}

func TestListenerSetDistinctSubscriptionsPerRegistration(t *testing.T) {
	// Guards against the bug spec.md §9 flags in the source: registering
	// the "same" callback twice (as two distinct function values, since
	// Go has no stable identity for re-bound methods either) must yield
	// two independently removable subscriptions, not one that silently
	// aliases the other.
	var s listenerSet
	calls := 0
	cb := func(Event) { calls++ }

	a := s.add(cb)
	b := s.add(cb)
	if a == b {
		t.Fatalf("two Add calls returned the same Subscription %v", a)
	}

	s.remove(a)
	s.emit(Event{})
	if calls != 1 {
		t.Fatalf("calls=%d, want 1 (only one of the two registrations removed)", calls)
	}
}
