package tarpit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StatDelta is a message submitted to the statistics aggregator. Only the
// non-zero fields are meaningful; the aggregator applies each by
// saturating addition.
type StatDelta struct {
	Bytes     uint64
	Delay     time.Duration
	Processed uint64
	Lost      uint64
	Connects  uint64
}

// Statistics holds the aggregate totals. It is owned exclusively by the
// aggregator goroutine; all mutation happens through StatDelta messages,
// never directly.
type Statistics struct {
	Connects         uint64
	ProcessedClients uint64
	LostClients      uint64
	BytesSent        uint64
	TimeSpent        time.Duration
}

func (s *Statistics) apply(d StatDelta) {
	s.Connects = saturatingAddU64(s.Connects, d.Connects)
	s.ProcessedClients = saturatingAddU64(s.ProcessedClients, d.Processed)
	s.LostClients = saturatingAddU64(s.LostClients, d.Lost)
	s.BytesSent = saturatingAddU64(s.BytesSent, d.Bytes)

	if d.Delay > 0 {
		sum := s.TimeSpent + d.Delay
		if sum < s.TimeSpent {
			sum = time.Duration(1<<63 - 1)
		}
		s.TimeSpent = sum
	}
}

func saturatingAddU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// StatisticsAggregator runs Statistics on its own goroutine, the sole
// writer of the Statistics struct. Callers submit deltas; LogTotals
// requests a formatted TOTALS log line; TotalsSnapshot reads a copy of
// the current totals from any goroutine.
type StatisticsAggregator struct {
	updates   chan StatDelta
	logTotals chan struct{}
	done      chan struct{}
	logger    Logger

	mu     sync.Mutex
	totals Statistics
}

// NewStatisticsAggregator creates an aggregator. Call Run to start it.
func NewStatisticsAggregator(logger Logger) *StatisticsAggregator {
	return &StatisticsAggregator{
		updates:   make(chan StatDelta, 256),
		logTotals: make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Submit sends a delta to the aggregator. Never blocks the caller
// indefinitely: the channel is generously buffered, and on shutdown the
// aggregator drains it before exiting.
func (a *StatisticsAggregator) Submit(d StatDelta) {
	select {
	case a.updates <- d:
	case <-a.done:
	}
}

// LogTotals requests an immediate formatted TOTALS log line. Every call
// produces one line; the send blocks briefly if a previous request hasn't
// been serviced yet.
func (a *StatisticsAggregator) LogTotals() {
	select {
	case a.logTotals <- struct{}{}:
	case <-a.done:
	}
}

// TotalsSnapshot returns a copy of the current lifetime totals. Safe to
// call from any goroutine; mutation still happens only through deltas
// applied by the aggregator.
func (a *StatisticsAggregator) TotalsSnapshot() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

func (a *StatisticsAggregator) applyDelta(d StatDelta) {
	a.mu.Lock()
	a.totals.apply(d)
	a.mu.Unlock()
}

// drainDeadline bounds how long Run spends draining queued deltas after
// cancellation before emitting the final totals and returning.
const drainDeadline = 2 * time.Second

// Run is the aggregator's main loop. It returns once ctx is cancelled and
// the drain deadline has elapsed or the queue is empty, having emitted one
// final TOTALS line.
func (a *StatisticsAggregator) Run(ctx context.Context) Statistics {
	defer close(a.done)

	for {
		select {
		case d := <-a.updates:
			a.applyDelta(d)
		case <-a.logTotals:
			a.logLine()
		case <-ctx.Done():
			a.drain()
			a.logLine()
			return a.TotalsSnapshot()
		}
	}
}

func (a *StatisticsAggregator) drain() {
	deadline := time.NewTimer(drainDeadline)
	defer deadline.Stop()

	for {
		select {
		case d := <-a.updates:
			a.applyDelta(d)
		case <-deadline.C:
			return
		default:
			if len(a.updates) == 0 {
				return
			}
		}
	}
}

func (a *StatisticsAggregator) logLine() {
	if a.logger == nil {
		return
	}
	stats := a.TotalsSnapshot()
	a.logger.Infof("TOTALS connects=%d processed=%d lost=%d time_spent=%s bytes_sent=%d",
		stats.Connects, stats.ProcessedClients, stats.LostClients, formatDuration(stats.TimeSpent), stats.BytesSent)
}

// formatDuration renders a duration as weeks/days/hours/minutes/seconds.millis
// for the TOTALS log line.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	const (
		second = time.Second
		minute = 60 * second
		hour   = 60 * minute
		day    = 24 * hour
		week   = 7 * day
	)

	weeks := d / week
	d -= weeks * week
	days := d / day
	d -= days * day
	hours := d / hour
	d -= hours * hour
	minutes := d / minute
	d -= minutes * minute
	seconds := d.Seconds()

	out := ""
	if weeks > 0 {
		out += pluralize(int64(weeks), "week")
	}
	if days > 0 || weeks > 0 {
		out += pluralize(int64(days), "day")
	}
	if hours > 0 || days > 0 || weeks > 0 {
		out += pluralize(int64(hours), "hour")
	}
	if minutes > 0 || hours > 0 || days > 0 || weeks > 0 {
		out += pluralize(int64(minutes), "minute")
	}
	out += formatSeconds(seconds)

	return out
}

func pluralize(n int64, unit string) string {
	s := unit
	if n != 1 {
		s += "s"
	}
	return fmt.Sprintf("%d %s ", n, s)
}

func formatSeconds(seconds float64) string {
	return fmt.Sprintf("%.3fs", seconds)
}
