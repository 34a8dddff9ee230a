package tarpit

import (
	"container/heap"
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

func newPipeClient(t *testing.T, sendNext time.Time, bus chan ClientEvent) (*Client, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	sem := semaphore.NewWeighted(1)
	if err := sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now := time.Now()
	c := NewClient(client, &net.TCPAddr{}, sem, now, sendNext, bus, nullLogger{})
	return c, server
}

func TestClientHeapOrdersBySendNext(t *testing.T) {
	base := time.Now()
	bus := make(chan ClientEvent, 8)

	cLate, sLate := newPipeClient(t, base.Add(3*time.Second), bus)
	cEarly, sEarly := newPipeClient(t, base.Add(1*time.Second), bus)
	cMid, sMid := newPipeClient(t, base.Add(2*time.Second), bus)
	defer sLate.Close()
	defer sEarly.Close()
	defer sMid.Close()

	var h clientHeap
	heap.Push(&h, cLate)
	heap.Push(&h, cEarly)
	heap.Push(&h, cMid)

	first := heap.Pop(&h).(*Client)
	second := heap.Pop(&h).(*Client)
	third := heap.Pop(&h).(*Client)

	if first != cEarly || second != cMid || third != cLate {
		t.Fatal("heap did not pop clients in send_next order")
	}
}

func TestSchedulerProcessClosesClientOnWriteFailure(t *testing.T) {
	bus := make(chan ClientEvent, 4)
	c, server := newPipeClient(t, time.Now(), bus)
	server.Close() // closing the peer makes the next Write fail

	statsAgg := NewStatisticsAggregator(nullLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go statsAgg.Run(ctx)

	s := NewScheduler(32, time.Millisecond, make(chan *Client), statsAgg, bus, nullLogger{})
	s.process(context.Background(), c)

	if s.heap.Len() != 0 {
		t.Fatal("a client whose write failed must not be reinserted")
	}

	foundDisconnect := false
	n := len(bus)
	for i := 0; i < n; i++ {
		if ev := <-bus; ev.Kind == Disconnected {
			foundDisconnect = true
		}
	}
	if !foundDisconnect {
		t.Fatal("expected a Disconnected event after a failed write")
	}
}

func TestSchedulerDrainAllClosesHeldAndQueuedClients(t *testing.T) {
	bus := make(chan ClientEvent, 4)
	c1, s1 := newPipeClient(t, time.Now(), bus)
	c2, s2 := newPipeClient(t, time.Now(), bus)
	defer s1.Close()
	defer s2.Close()

	ingress := make(chan *Client, 1)
	ingress <- c2

	s := NewScheduler(32, time.Second, ingress, nil, bus, nullLogger{})
	heap.Push(&s.heap, c1)

	s.drainAll()

	if s.heap.Len() != 0 {
		t.Fatal("drainAll must empty the heap")
	}

	count := 0
	n := len(bus)
	for i := 0; i < n; i++ {
		if ev := <-bus; ev.Kind == Disconnected {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 Disconnected events, got %d", count)
	}
}
