package client

import (
	"testing"
	"time"
)

func TestExpBackoffGrowth(t *testing.T) {
	b := ExpBackoff(100*time.Millisecond, 5*time.Second)

	full := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, want := range full {
		for i := 0; i < 20; i++ {
			got := b(attempt)
			if got < want/2 || got > want {
				t.Fatalf("wait for attempt %d = %v, want within [%v, %v]", attempt, got, want/2, want)
			}
		}
	}
}

func TestExpBackoffCap(t *testing.T) {
	b := ExpBackoff(time.Second, 3*time.Second)
	for i := 0; i < 20; i++ {
		got := b(10)
		if got < 1500*time.Millisecond || got > 3*time.Second {
			t.Fatalf("capped wait = %v, want within [1.5s, 3s]", got)
		}
	}
}

func TestExpBackoffNegativeAttempt(t *testing.T) {
	b := ExpBackoff(100*time.Millisecond, time.Second)
	got := b(-1)
	if got < 50*time.Millisecond || got > 100*time.Millisecond {
		t.Fatalf("wait for negative attempt = %v, want within base bounds", got)
	}
}
