package tarpit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Client is one admitted connection plus its scheduling and accounting
// state. Ownership moves Acceptor -> Scheduler -> drop site; exactly one
// entity owns a Client at a time.
type Client struct {
	addr net.Addr
	conn net.Conn

	sem *semaphore.Weighted

	connectedAt time.Time
	sendNext    time.Time
	timeSpent   time.Duration
	bytesSent   uint64

	bus    chan<- ClientEvent
	logger Logger

	closeOnce sync.Once
}

// NewClient constructs a Client that owns conn, addr, and the admission
// permit already acquired from sem. The caller must have acquired the
// permit before calling NewClient; the Client releases it exactly once on
// Close.
func NewClient(conn net.Conn, addr net.Addr, sem *semaphore.Weighted, connectedAt, sendNext time.Time, bus chan<- ClientEvent, logger Logger) *Client {
	return &Client{
		addr:        addr,
		conn:        conn,
		sem:         sem,
		connectedAt: connectedAt,
		sendNext:    sendNext,
		bus:         bus,
		logger:      logger,
	}
}

// Addr returns the client's remote socket address.
func (c *Client) Addr() net.Addr { return c.addr }

// SendNext returns the wall-clock instant at which the next line is due.
func (c *Client) SendNext() time.Time { return c.sendNext }

// RecordWrite accounts for a single successful line write: the configured
// delay is added to time_spent, n bytes are added to bytes_sent, and
// send_next is set to now + delay.
func (c *Client) RecordWrite(n int, delay time.Duration, now time.Time) {
	c.bytesSent += uint64(n)
	c.timeSpent += delay
	c.sendNext = now.Add(delay)
}

// Write writes one line to the client's stream with a bounded deadline, so
// one misbehaving socket can't stall the scheduler.
func (c *Client) Write(line []byte, timeout time.Duration) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return c.conn.Write(line)
}

// Close destroys the Client: it emits Disconnected exactly once, releases
// the admission permit, and closes the stream. Safe to call more than
// once; only the first call has effect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		disconnectedAt := time.Now()

		c.conn.Close()

		c.sem.Release(1)

		if c.bus != nil {
			emit(c.bus, c.logger, ClientEvent{
				Kind:           Disconnected,
				Addr:           c.addr,
				ConnectedAt:    c.connectedAt,
				DisconnectedAt: disconnectedAt,
				TimeSpent:      c.timeSpent,
				BytesSent:      c.bytesSent,
			})
		}

		if c.logger != nil {
			c.logger.Infof("dropping client %v: time_spent=%s bytes_sent=%d", c.addr, c.timeSpent, c.bytesSent)
		}
	})
}
