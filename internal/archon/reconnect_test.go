package archon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/archonctl/goarchon/internal/logging"
)

func TestReconnectWithBackoffBoundedByMaxRetries(t *testing.T) {
	d := NewDevice("refused", "127.0.0.1:1",
		WithLogger(logging.Default()),
		WithDialTimeout(50*time.Millisecond),
		WithReconnect(ReconnectConfig{
			MaxRetries:   3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		}))

	start := time.Now()
	err := d.reconnectWithBackoff(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected reconnectWithBackoff to fail against a permanently refusing dialer")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("reconnectWithBackoff took %s, want a bounded retry window", elapsed)
	}
}

func TestReconnectWithBackoffStopsOnClose(t *testing.T) {
	d := NewDevice("refused", "127.0.0.1:1",
		WithLogger(logging.Default()),
		WithDialTimeout(50*time.Millisecond),
		WithReconnect(ReconnectConfig{
			MaxRetries:   0, // unbounded until Close or ctx
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		}))

	done := make(chan error, 1)
	go func() { done <- d.reconnectWithBackoff(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected reconnectWithBackoff to report an error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnectWithBackoff did not stop after Close")
	}
}

// TestDeviceReconnectsAfterReadFailure exercises the wiring from a real
// read failure through to a successful background reconnect: the
// controller drops the TCP connection, and the device dials the same
// address again without the caller doing anything.
func TestDeviceReconnectsAfterReadFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	d := NewDevice("flaky", ln.Addr().String(),
		WithLogger(logging.Default()),
		WithReconnect(ReconnectConfig{
			MaxRetries:   5,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
		}))
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer d.Close()

	var first net.Conn
	select {
	case first = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the first connection")
	}
	first.Close()

	var second net.Conn
	select {
	case second = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("device never reconnected after the read failure")
	}
	defer second.Close()

	deadline := time.After(time.Second)
	for !d.Connected() {
		select {
		case <-deadline:
			t.Fatal("Connected() never became true again after reconnecting")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := d.Metrics.Snapshot().ReconnectCount; got != 1 {
		t.Fatalf("ReconnectCount = %d, want 1", got)
	}
}
