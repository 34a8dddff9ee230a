package tarpit

import (
	"container/heap"
	"context"
	"time"
)

// writeTimeout bounds how long a single line write may block, so one
// misbehaving stream can't stall the scheduler.
const writeTimeout = 1 * time.Second

// clientHeap is a binary heap of *Client ordered by sendNext ascending.
type clientHeap []*Client

func (h clientHeap) Len() int            { return len(h) }
func (h clientHeap) Less(i, j int) bool  { return h[i].sendNext.Before(h[j].sendNext) }
func (h clientHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *clientHeap) Push(x interface{}) { *h = append(*h, x.(*Client)) }
func (h *clientHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler owns the set of admitted clients and decides, at each tick,
// which one to write to next.
type Scheduler struct {
	maxLineLength int
	delay         time.Duration

	ingress chan *Client
	stats   *StatisticsAggregator
	bus     chan<- ClientEvent
	logger  Logger

	heap        clientHeap
	rng         *lineRand
	statsClosed bool
}

// NewScheduler constructs a Scheduler. ingress is the channel the acceptor
// forwards newly admitted clients on.
func NewScheduler(maxLineLength int, delay time.Duration, ingress chan *Client, stats *StatisticsAggregator, bus chan<- ClientEvent, logger Logger) *Scheduler {
	return &Scheduler{
		maxLineLength: maxLineLength,
		delay:         delay,
		ingress:       ingress,
		stats:         stats,
		bus:           bus,
		logger:        logger,
		rng:           newLineRand(),
	}
}

// Run is the scheduler's main loop. It returns once ctx is cancelled or
// the statistics aggregator has gone away, after dropping any clients
// still held (each drop triggers a Disconnected emission).
func (s *Scheduler) Run(ctx context.Context) {
	defer s.drainAll()

	for {
		if s.statsClosed {
			return
		}
		if s.heap.Len() == 0 {
			select {
			case c, ok := <-s.ingress:
				if !ok {
					return
				}
				heap.Push(&s.heap, c)
				continue
			case <-ctx.Done():
				return
			}
		}

		next := s.heap[0]
		wait := time.Until(next.sendNext)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			client := heap.Pop(&s.heap).(*Client)
			s.process(ctx, client)
		case c, ok := <-s.ingress:
			timer.Stop()
			if !ok {
				return
			}
			heap.Push(&s.heap, c)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// process writes one line to client and reinserts it on success, or drops
// it on failure.
func (s *Scheduler) process(ctx context.Context, client *Client) {
	line := s.rng.generateLine(s.maxLineLength)

	written, err := client.Write(line, writeTimeout)
	now := time.Now()

	if err != nil || written < len(line) {
		s.submitStat(ctx, StatDelta{Lost: 1})
		client.Close()
		return
	}

	client.RecordWrite(written, s.delay, now)
	s.submitStat(ctx, StatDelta{Bytes: uint64(written), Delay: s.delay, Processed: 1})

	heap.Push(&s.heap, client)
}

func (s *Scheduler) submitStat(ctx context.Context, d StatDelta) {
	if s.stats == nil {
		return
	}
	select {
	case s.stats.updates <- d:
	case <-s.stats.done:
		// the aggregator only goes away when the run is ending; treat it
		// as a shutdown request rather than trickling unaccounted bytes.
		if s.logger != nil {
			s.logger.Warnf("statistics channel closed, scheduler shutting down")
		}
		s.statsClosed = true
	case <-ctx.Done():
	}
}

// drainAll drops every client still held when the scheduler stops, each
// triggering its own Disconnected emission exactly once.
func (s *Scheduler) drainAll() {
	for s.heap.Len() > 0 {
		client := heap.Pop(&s.heap).(*Client)
		client.Close()
	}

	// absorb anything already in flight from the acceptor so those clients
	// are dropped too, instead of leaking permits.
	for {
		select {
		case c, ok := <-s.ingress:
			if !ok {
				return
			}
			c.Close()
		default:
			return
		}
	}
}
