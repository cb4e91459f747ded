package changelog

import (
	"testing"
	"time"
)

func TestHubBroadcastDeliversToRegisteredClients(t *testing.T) {
	h := NewHub()
	c1 := h.register()
	c2 := h.register()
	defer h.unregister(c1)
	defer h.unregister(c2)

	change := AllocationChange{CampaignID: 1, ArmID: 2, NewAlloc: 0.5, TS: time.Now()}
	h.Broadcast(change)

	select {
	case got := <-c1:
		if got.CampaignID != 1 {
			t.Errorf("c1 got CampaignID %d, want 1", got.CampaignID)
		}
	case <-time.After(time.Second):
		t.Error("c1 did not receive broadcast change")
	}

	select {
	case got := <-c2:
		if got.ArmID != 2 {
			t.Errorf("c2 got ArmID %d, want 2", got.ArmID)
		}
	case <-time.After(time.Second):
		t.Error("c2 did not receive broadcast change")
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	h := NewHub()
	c := h.register()
	h.unregister(c)

	// The channel should be closed, not blocked, once unregistered.
	select {
	case _, ok := <-c:
		if ok {
			t.Error("expected channel to be closed after unregister")
		}
	case <-time.After(time.Second):
		t.Error("reading from an unregistered, closed channel should not block")
	}
}

func TestHubBroadcastDropsWhenFull(t *testing.T) {
	h := &Hub{
		clients:   make(map[chan AllocationChange]bool),
		broadcast: make(chan AllocationChange, 1),
	}
	h.broadcast <- AllocationChange{}
	// A second Broadcast with a full internal buffer and no run() loop
	// draining it must not block the caller.
	done := make(chan struct{})
	go func() {
		h.Broadcast(AllocationChange{CampaignID: 99})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast() blocked on a full buffer instead of dropping")
	}
}
