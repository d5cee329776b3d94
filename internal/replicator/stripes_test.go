package replicator

import (
	"fmt"
	"testing"
	"time"
)

func TestStripesSerializeSameAccount(t *testing.T) {
	t.Parallel()

	var s accountStripes
	s.Lock("follower-1")

	acquired := make(chan struct{})
	go func() {
		s.Lock("follower-1")
		close(acquired)
		s.Unlock("follower-1")
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same account acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Unlock("follower-1")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after unlock")
	}
}

func TestStripesDistinctAccountsIndependent(t *testing.T) {
	t.Parallel()

	// Find an account hashing to a different stripe than the first.
	other := ""
	for i := 0; i < 10_000; i++ {
		candidate := fmt.Sprintf("follower-%d", i)
		if stripeFor(candidate) != stripeFor("follower-a") {
			other = candidate
			break
		}
	}
	if other == "" {
		t.Fatal("no account found on a different stripe")
	}

	var s accountStripes
	s.Lock("follower-a")
	defer s.Unlock("follower-a")

	acquired := make(chan struct{})
	go func() {
		s.Lock(other)
		s.Unlock(other)
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatalf("lock on %s blocked behind an unrelated account", other)
	}
}

func TestStripeForIsStableAndBounded(t *testing.T) {
	t.Parallel()

	for _, account := range []string{"", "f", "follower-1", "a-very-long-account-identifier"} {
		first := stripeFor(account)
		if second := stripeFor(account); second != first {
			t.Errorf("stripeFor(%q) unstable: %d then %d", account, first, second)
		}
		if first >= stripeCount {
			t.Errorf("stripeFor(%q) = %d, want < %d", account, first, stripeCount)
		}
	}
}
