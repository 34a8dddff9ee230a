package tarpit

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

// freePort grabs an ephemeral port and releases it for the supervisor to
// rebind. Racy in principle, fine for a test.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint16(port)
}

func TestSupervisorRunServesAndShutsDownOnCancel(t *testing.T) {
	port := freePort(t)

	sup := &Supervisor{
		Bind:          "127.0.0.1",
		Port:          port,
		MaxClients:    4,
		Delay:         50 * time.Millisecond,
		MaxLineLength: 16,
		Bus:           NewEventBus(),
		Logger:        nullLogger{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.Run(ctx)
	}()

	// the listener may not be up yet; retry the dial briefly.
	var conn net.Conn
	var err error
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
		t.Fatalf("reading a line from the supervised tarpit: %v", err)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v on a clean shutdown", err)
		}
	case <-time.After(schedulerDrainDeadline + 5*time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSupervisorRunFailsOnBindError(t *testing.T) {
	// occupy the port first so the supervisor's bind fails.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	sup := &Supervisor{
		Bind:          "127.0.0.1",
		Port:          uint16(l.Addr().(*net.TCPAddr).Port),
		MaxClients:    1,
		Delay:         time.Second,
		MaxLineLength: 16,
		Bus:           NewEventBus(),
		Logger:        nullLogger{},
	}

	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("expected a bind error from Run")
	}
}
