package dashboard

import (
	"net"
	"testing"
	"time"
)

func TestHubSubscribeReceivesInitSnapshot(t *testing.T) {
	h := NewHub(8)
	ip := net.ParseIP("203.0.113.5")
	connectedAt := time.Now()

	h.Connected(ip, "US", "United States", "Springfield", 37.0, -122.0, connectedAt)

	_, snapshot := h.Subscribe()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 active connection in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].IP != ip.String() {
		t.Fatalf("unexpected IP in snapshot: %s", snapshot[0].IP)
	}
	if snapshot[0].CountryName != "United States" || snapshot[0].City != "Springfield" {
		t.Fatalf("expected geo enrichment in snapshot, got %+v", snapshot[0])
	}
}

func TestHubBroadcastsConnectedAndDisconnected(t *testing.T) {
	h := NewHub(8)
	events, _ := h.Subscribe()

	ip := net.ParseIP("198.51.100.7")
	h.Connected(ip, "US", "United States", "Springfield", 37.0, -122.0, time.Now())

	select {
	case ev := <-events:
		if ev.Type != "connected" || ev.IP != ip.String() {
			t.Fatalf("unexpected connected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	h.Disconnected(ip, "US", "United States", "Springfield", 37.0, -122.0, time.Now(), 5*time.Second, 128)

	select {
	case ev := <-events:
		if ev.Type != "disconnected" || ev.BytesSent != 128 {
			t.Fatalf("unexpected disconnected event: %+v", ev)
		}
		if ev.CountryName != "United States" || ev.City != "Springfield" {
			t.Fatalf("expected disconnected event to carry geo enrichment, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnected event")
	}

	h.mu.Lock()
	_, stillActive := h.active[ip.String()]
	h.mu.Unlock()
	if stillActive {
		t.Fatal("expected disconnected IP to be removed from active set")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(1)
	events, _ := h.Subscribe()
	h.Unsubscribe(events)

	_, ok := <-events
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestHubDropsEventsForSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	_, _ = h.Subscribe() // subscriber never reads

	// Broadcasting more than capacity must not block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Connected(net.ParseIP("10.0.0.1"), "", "", "", 0, 0, time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestHubCountsOncePerEventRegardlessOfSubscribers(t *testing.T) {
	h := NewHub(8)
	a, _ := h.Subscribe()
	b, _ := h.Subscribe()
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	ip := net.ParseIP("203.0.113.12")
	h.Connected(ip, "", "", "", 0, 0, time.Now())
	h.Disconnected(ip, "", "", "", 0, 0, time.Now(), time.Second, 64)

	connects, disconnects := h.Counts()
	if connects != 1 || disconnects != 1 {
		t.Fatalf("expected counts (1, 1) with two subscribers, got (%d, %d)", connects, disconnects)
	}
}
