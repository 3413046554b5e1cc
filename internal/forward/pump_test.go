package forward_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/asadarafat/tcpao-proxy/internal/forward"
)

// connPair returns two ends of a real loopback TCP connection so
// CloseWrite/EOF semantics match what the proxy sees in production
// (net.Pipe does not support half-close).
func connPair(t *testing.T) (near, far net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(acceptedCh)
			return
		}
		acceptedCh <- c
	}()

	near, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	far = <-acceptedCh
	if far == nil {
		t.Fatal("accept failed")
	}
	return near, far
}

func readAll(t *testing.T, c net.Conn) []byte {
	t.Helper()
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	return b
}

// Law #7: A writes B and closes, no idle timeout -> pump's B-side output
// equals B and reason = SourceEof.
func TestPump_SourceEofRoundTrip(t *testing.T) {
	client, a := connPair(t)
	b, sink := connPair(t)
	defer sink.Close()
	defer a.Close()
	defer b.Close()

	payload := []byte("hello-through-tcpao")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.Close()

	stats, err := forward.Pump(a, b, forward.Options{})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if stats.Reason != forward.SourceEof {
		t.Fatalf("reason = %v, want SourceEof", stats.Reason)
	}
	if stats.BytesUp != uint64(len(payload)) {
		t.Fatalf("bytes_up = %d, want %d", stats.BytesUp, len(payload))
	}

	got := readAll(t, sink)
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// Law #8: bytes_up + bytes_down equals the sum of successful payload
// bytes in each direction (checked here for the single-direction case).
func TestPump_ByteAccounting(t *testing.T) {
	client, a := connPair(t)
	b, sink := connPair(t)
	defer sink.Close()
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 100*1024) // exceeds the 16 KiB buffer, several iterations
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		client.Write(payload)
		client.Close()
	}()

	stats, err := forward.Pump(a, b, forward.Options{})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if stats.BytesUp+stats.BytesDown != uint64(len(payload)) {
		t.Fatalf("bytes_up+bytes_down = %d, want %d", stats.BytesUp+stats.BytesDown, len(payload))
	}

	got := readAll(t, sink)
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
}

// S6 — idle timeout: silence on both ends for the configured window
// returns IdleTimeout and closes both sockets.
func TestPump_IdleTimeout(t *testing.T) {
	_, a := connPair(t)
	_, b := connPair(t)

	stats, err := forward.Pump(a, b, forward.Options{IdleTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if stats.Reason != forward.IdleTimeout {
		t.Fatalf("reason = %v, want IdleTimeout", stats.Reason)
	}

	if _, err := a.Write([]byte("x")); err == nil {
		t.Fatal("expected a to be closed after idle timeout")
	}
	if _, err := b.Write([]byte("x")); err == nil {
		t.Fatal("expected b to be closed after idle timeout")
	}
}

// DestinationEof — B->A EOF closes A's write side.
func TestPump_DestinationEof(t *testing.T) {
	a, aPeer := connPair(t)
	b, client := connPair(t)
	defer aPeer.Close()
	defer a.Close()
	defer b.Close()

	payload := []byte("server-initiated-bytes")
	client.Write(payload)
	client.Close()

	stats, err := forward.Pump(a, b, forward.Options{})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if stats.Reason != forward.DestinationEof {
		t.Fatalf("reason = %v, want DestinationEof", stats.Reason)
	}
	if stats.BytesDown != uint64(len(payload)) {
		t.Fatalf("bytes_down = %d, want %d", stats.BytesDown, len(payload))
	}
}
