package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestHookOrderAcceptedDispatchesInBackground(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	bus := newMemBus()
	h := NewHook(e.disp, bus, "", testLogger())

	h.OrderAccepted(context.Background(), "M-1")
	h.Wait()

	ev, err := e.events.GetByMaster(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("GetByMaster() error = %v, want the fan-out sealed", err)
	}
	if ev.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", ev.Dispatched)
	}

	if got := bus.publishedTo(TopicOrderAccepted); got != 1 {
		t.Errorf("publications to %s = %d, want 1", TopicOrderAccepted, got)
	}
	if got := bus.publishedTo(TopicEventSealed); got != 1 {
		t.Fatalf("publications to %s = %d, want 1", TopicEventSealed, got)
	}

	var summary sealedSummary
	if err := json.Unmarshal(bus.published[TopicEventSealed][0], &summary); err != nil {
		t.Fatalf("sealed summary did not decode: %v", err)
	}
	if summary.MasterOrderID != "M-1" || summary.Total != 1 || summary.Dispatched != 1 {
		t.Errorf("summary = %+v, want M-1 with one dispatched follower", summary)
	}
}

func TestHookEnqueueRunConsumesStream(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	bus := newMemBus()
	h := NewHook(e.disp, bus, "ingress:orders", testLogger())

	if err := h.Enqueue(context.Background(), "M-1"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	waitUntil(t, func() bool {
		_, err := e.events.GetByMaster(context.Background(), "M-1")
		return err == nil
	})
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	if got := e.broker.callCount("f-1"); got != 1 {
		t.Errorf("broker calls = %d, want 1", got)
	}
}

func TestHookRunDropsMalformedEntries(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	bus := newMemBus()
	h := NewHook(e.disp, bus, "ingress:orders", testLogger())

	if err := bus.StreamAppend(context.Background(), "ingress:orders", []byte("not json")); err != nil {
		t.Fatalf("StreamAppend() error = %v", err)
	}
	if err := bus.StreamAppend(context.Background(), "ingress:orders", []byte(`{"master_order_id":""}`)); err != nil {
		t.Fatalf("StreamAppend() error = %v", err)
	}
	if err := h.Enqueue(context.Background(), "M-1"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	waitUntil(t, func() bool {
		_, err := e.events.GetByMaster(context.Background(), "M-1")
		return err == nil
	})
	cancel()
	<-errc

	if got := len(e.broker.placements()); got != 1 {
		t.Errorf("placements = %d, want only the well-formed entry dispatched", got)
	}
}

func TestHookRunWithoutStreamWaitsForContext(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	h := NewHook(e.disp, newMemBus(), "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestHookReplayedStreamEntriesShortCircuit(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	bus := newMemBus()
	h := NewHook(e.disp, bus, "ingress:orders", testLogger())

	// The capped stream replays old entries on every boot; dispatch
	// idempotence absorbs them.
	for i := 0; i < 3; i++ {
		if err := h.Enqueue(context.Background(), "M-1"); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	waitUntil(t, func() bool {
		_, err := e.events.GetByMaster(context.Background(), "M-1")
		return err == nil
	})
	cancel()
	<-errc

	if got := e.broker.callCount("f-1"); got != 1 {
		t.Errorf("broker calls = %d, want 1 across replayed entries", got)
	}
	ev, err := e.events.GetByMaster(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("GetByMaster() error = %v", err)
	}
	if ev.Total != 1 {
		t.Errorf("Total = %d, want 1", ev.Total)
	}
}
