package tarpit

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// After cancellation the acceptor must stop accepting within 1s; the
// scheduler gets 10s to drop every held client.
const (
	acceptorShutdownDeadline = 1 * time.Second
	schedulerDrainDeadline   = 10 * time.Second
)

// Supervisor spawns the acceptor, scheduler, and statistics aggregator,
// wires cancellation, and handles SIGINT/SIGTERM/SIGUSR1.
type Supervisor struct {
	Bind          string
	Port          uint16
	MaxClients    int
	Delay         time.Duration
	MaxLineLength int

	Bus    chan ClientEvent
	Logger Logger

	// Stats optionally supplies a pre-built aggregator, letting callers
	// read TotalsSnapshot while the run is live (the dashboard's /metrics
	// does). When nil, Run builds its own.
	Stats *StatisticsAggregator
}

// Run binds the listener and blocks until SIGINT, SIGTERM, or ctx is
// cancelled, then drains every task within its deadline and returns. A
// non-nil error means the listener failed to bind; once running, Run
// always returns nil on a clean shutdown.
func (sup *Supervisor) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", sup.Bind, sup.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	sup.Logger.Infof("listening on %s, max_clients=%d delay=%s max_line_length=%d", addr, sup.MaxClients, sup.Delay, sup.MaxLineLength)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(sup.MaxClients))
	ingress := make(chan *Client)
	statsAgg := sup.Stats
	if statsAgg == nil {
		statsAgg = NewStatisticsAggregator(sup.Logger)
	}

	acceptor := NewAcceptor(listener, sem, sup.Delay, ingress, sup.Bus, statsAgg, sup.Logger)
	scheduler := NewScheduler(sup.MaxLineLength, sup.Delay, ingress, statsAgg, sup.Bus, sup.Logger)

	statsCtx, statsCancel := context.WithCancel(context.Background())
	defer statsCancel()

	var statsWG sync.WaitGroup
	statsWG.Add(1)
	go func() {
		defer statsWG.Done()
		statsAgg.Run(statsCtx)
	}()

	acceptorDone := make(chan struct{})
	go func() {
		defer close(acceptorDone)
		acceptor.Run(runCtx)
	}()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(runCtx)
	}()

	// If either task exits before we've asked for shutdown, that's
	// unexpected: raise global cancellation so the rest follow it down.
	go watchUnexpectedExit(runCtx, cancel, acceptorDone)
	go watchUnexpectedExit(runCtx, cancel, schedulerDone)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	usr1Ch := notifyUSR1()

	sup.waitForShutdown(runCtx, sigCh, usr1Ch, statsAgg)
	cancel()

	sup.awaitWithDeadline(acceptorDone, acceptorShutdownDeadline, "acceptor")
	sup.awaitWithDeadline(schedulerDone, schedulerDrainDeadline, "scheduler")

	statsCancel()
	statsWG.Wait()

	sup.Logger.Infof("shutdown complete")
	return nil
}

func watchUnexpectedExit(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) {
	select {
	case <-done:
		cancel()
	case <-ctx.Done():
	}
}

// waitForShutdown blocks, servicing SIGUSR1 (log totals) until SIGINT,
// SIGTERM, or ctx cancellation requests a shutdown.
func (sup *Supervisor) waitForShutdown(ctx context.Context, sigCh <-chan os.Signal, usr1Ch <-chan os.Signal, statsAgg *StatisticsAggregator) {
	for {
		select {
		case sig := <-sigCh:
			sup.Logger.Warnf("%s detected, stopping all tasks", sig)
			return
		case <-usr1Ch:
			statsAgg.LogTotals()
		case <-ctx.Done():
			sup.Logger.Warnf("underlying task stopped, stopping all other tasks")
			return
		}
	}
}

func (sup *Supervisor) awaitWithDeadline(done <-chan struct{}, deadline time.Duration, name string) {
	select {
	case <-done:
	case <-time.After(deadline):
		sup.Logger.Errorf("%s didn't stop within %s!", name, deadline)
	}
}
