package tarpit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type nullLogger struct{}

func (nullLogger) Debugf(string, ...any) {}
func (nullLogger) Infof(string, ...any)  {}
func (nullLogger) Warnf(string, ...any)  {}
func (nullLogger) Errorf(string, ...any) {}

func TestSaturatingAddU64(t *testing.T) {
	if got := saturatingAddU64(^uint64(0), 1); got != ^uint64(0) {
		t.Fatalf("expected saturation, got %d", got)
	}
	if got := saturatingAddU64(1, 2); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestStatisticsApplyAccumulates(t *testing.T) {
	var s Statistics
	s.apply(StatDelta{Connects: 1, Processed: 2, Lost: 1, Bytes: 10, Delay: time.Second})
	s.apply(StatDelta{Connects: 1, Bytes: 5, Delay: 2 * time.Second})

	if s.Connects != 2 || s.ProcessedClients != 2 || s.LostClients != 1 || s.BytesSent != 15 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.TimeSpent != 3*time.Second {
		t.Fatalf("expected 3s time spent, got %s", s.TimeSpent)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d        time.Duration
		contains string
	}{
		{0, "0.000s"},
		{90 * time.Second, "1 minute"},
		{25 * time.Hour, "1 day"},
		{8 * 24 * time.Hour, "1 week"},
	}
	for _, c := range cases {
		out := formatDuration(c.d)
		if !contains(out, c.contains) {
			t.Fatalf("formatDuration(%s) = %q, expected to contain %q", c.d, out, c.contains)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestStatisticsAggregatorRunDrainsAndReturnsTotals(t *testing.T) {
	agg := NewStatisticsAggregator(nullLogger{})
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan Statistics, 1)
	go func() {
		resultCh <- agg.Run(ctx)
	}()

	agg.Submit(StatDelta{Connects: 1})
	agg.Submit(StatDelta{Processed: 1, Bytes: 42})

	cancel()

	select {
	case final := <-resultCh:
		if final.Connects != 1 || final.ProcessedClients != 1 || final.BytesSent != 42 {
			t.Fatalf("unexpected final totals: %+v", final)
		}
	case <-time.After(drainDeadline + time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestTotalsSnapshotReflectsSubmittedDeltas(t *testing.T) {
	agg := NewStatisticsAggregator(nullLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.Submit(StatDelta{Connects: 2, Lost: 1, Bytes: 10})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := agg.TotalsSnapshot()
		if got.Connects == 2 && got.LostClients == 1 && got.BytesSent == 10 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never caught up: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogTotalsTwiceEmitsTwoLines(t *testing.T) {
	logger := &lineCountingLogger{}
	agg := NewStatisticsAggregator(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.LogTotals()
	agg.LogTotals()

	deadline := time.Now().Add(2 * time.Second)
	for logger.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 TOTALS lines, got %d", logger.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type lineCountingLogger struct {
	nullLogger
	mu    sync.Mutex
	infos int
}

func (l *lineCountingLogger) Infof(string, ...any) {
	l.mu.Lock()
	l.infos++
	l.mu.Unlock()
}

func (l *lineCountingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infos
}
