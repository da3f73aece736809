package connection

import (
	"testing"
	"time"
)

func TestBackoffPolicyDelayGrowsAndCaps(t *testing.T) {
	p := BackoffPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.delay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v is less than previous attempt's %v", attempt, d, prev)
		}
		if d > p.MaxDelay+time.Duration(float64(p.MaxDelay)*0.3) {
			t.Fatalf("attempt %d: delay %v exceeds max delay plus jitter budget", attempt, d)
		}
		prev = d
	}
}

func TestBackoffPolicyAppliesDefaultsForZeroFields(t *testing.T) {
	p := BackoffPolicy{}.applyDefaults()
	def := DefaultBackoffPolicy()
	if p.InitialDelay != def.InitialDelay || p.MaxDelay != def.MaxDelay || p.Multiplier != def.Multiplier {
		t.Fatalf("applyDefaults() = %+v, want defaults %+v", p, def)
	}
}

func TestBackoffPolicyExhausted(t *testing.T) {
	p := BackoffPolicy{MaxRetries: 3}
	for attempt := 0; attempt < 3; attempt++ {
		if p.exhausted(attempt) {
			t.Fatalf("attempt %d should not be exhausted yet", attempt)
		}
	}
	if !p.exhausted(3) {
		t.Fatalf("attempt 3 should be exhausted with MaxRetries=3")
	}

	unlimited := BackoffPolicy{MaxRetries: 0}
	if unlimited.exhausted(1000) {
		t.Fatalf("MaxRetries=0 should mean unlimited")
	}
}
