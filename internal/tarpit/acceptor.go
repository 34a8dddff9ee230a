package tarpit

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// acceptBackoff is the brief sleep applied after a resource-exhaustion
// accept error (EMFILE/ENFILE).
const acceptBackoff = 100 * time.Millisecond

// Acceptor runs the admission loop: acquire a permit, accept one
// connection, tune its socket, construct a Client, hand it to the
// scheduler.
type Acceptor struct {
	listener net.Listener
	sem      *semaphore.Weighted

	delay   time.Duration
	clients chan<- *Client
	bus     chan ClientEvent
	stats   *StatisticsAggregator
	logger  Logger
}

// NewAcceptor constructs an Acceptor bound to an already-open listener.
func NewAcceptor(listener net.Listener, sem *semaphore.Weighted, delay time.Duration, clients chan<- *Client, bus chan ClientEvent, stats *StatisticsAggregator, logger Logger) *Acceptor {
	return &Acceptor{
		listener: listener,
		sem:      sem,
		delay:    delay,
		clients:  clients,
		bus:      bus,
		stats:    stats,
		logger:   logger,
	}
}

// Run is the acceptor's main loop. It returns once ctx is cancelled; it
// never force-closes live clients (the scheduler drains them).
func (a *Acceptor) Run(ctx context.Context) {
	defer a.listener.Close()

	// Accept has no context hook of its own; closing the listener is the
	// only way to unblock a pending Accept when shutdown is requested.
	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		select {
		case <-ctx.Done():
			a.listener.Close()
		case <-unblock:
		}
	}()

	for {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			// context cancelled while waiting for a permit
			return
		}

		conn, err := a.acceptOne(ctx)
		if err != nil {
			a.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		now := time.Now()
		tcpConn, _ := conn.(*net.TCPConn)
		if tcpConn != nil {
			if tuneErr := setReceiveBufferSize(tcpConn, 1); tuneErr != nil {
				a.logger.Infof("socket tune failed for %v: %v", conn.RemoteAddr(), tuneErr)
			}
		}

		connectedAt := now
		sendNext := now.Add(a.delay)

		client := NewClient(conn, conn.RemoteAddr(), a.sem, connectedAt, sendNext, a.bus, a.logger)

		emit(a.bus, a.logger, ClientEvent{
			Kind:        Connected,
			IP:          remoteIP(conn.RemoteAddr()),
			Addr:        conn.RemoteAddr(),
			ConnectedAt: connectedAt,
		})

		if a.stats != nil {
			a.stats.Submit(StatDelta{Connects: 1})
		}

		select {
		case a.clients <- client:
		case <-ctx.Done():
			client.Close()
			return
		}
	}
}

// acceptOne accepts a single connection, classifying accept errors into
// back-off-and-retry, retry-immediately, and log-and-retry. It never
// returns a fatal error; any non-nil error means "try again", except when
// ctx is already done.
func (a *Acceptor) acceptOne(ctx context.Context) (net.Conn, error) {
	conn, err := a.listener.Accept()
	if err == nil {
		return conn, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	switch {
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		a.logger.Warnf("accept: resource exhaustion: %v", err)
		select {
		case <-time.After(acceptBackoff):
		case <-ctx.Done():
		}
	case errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EPROTO):
		a.logger.Infof("accept: transient error: %v", err)
	default:
		a.logger.Errorf("accept: %v", pkgerrors.WithStack(err))
	}

	return nil, err
}

func remoteIP(addr net.Addr) net.IP {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}
