package radiolink

import (
	"context"
	"net"
	"testing"
	"time"
)

// pipeTransport adapts a net.Conn (as returned by net.Pipe) to the
// Transport interface for tests.
type pipeTransport struct {
	net.Conn
}

func (pipeTransport) IsConnected() bool { return true }

func TestLinkExchangeRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	client := NewLink(pipeTransport{clientConn})
	server := NewLink(pipeTransport{serverConn})

	go func() {
		f, err := server.ReadFrame(context.Background())
		if err != nil {
			return
		}
		_ = server.WriteFrame(Frame{Opcode: respOK, Payload: []byte("pong:" + string(f.Payload))})
	}()

	resp, err := client.Exchange(context.Background(), cmdSelfInfo, []byte("ping"))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if resp.Opcode != respOK {
		t.Fatalf("opcode = %#x, want %#x", resp.Opcode, respOK)
	}
	if string(resp.Payload) != "pong:ping" {
		t.Fatalf("payload = %q, want %q", resp.Payload, "pong:ping")
	}
}

func TestLinkReadFrameRespectsContextCancel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	client := NewLink(pipeTransport{clientConn})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.ReadFrame(ctx)
	if err == nil {
		t.Fatal("expected ReadFrame to fail when nothing is ever written")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("ReadFrame blocked far longer than the context deadline: %v", time.Since(start))
	}
}

func TestLinkWriteFrameEmptyPayload(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	client := NewLink(pipeTransport{clientConn})
	server := NewLink(pipeTransport{serverConn})

	done := make(chan Frame, 1)
	go func() {
		f, _ := server.ReadFrame(context.Background())
		done <- f
	}()

	if err := client.WriteFrame(Frame{Opcode: cmdSyncClock}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case f := <-done:
		if f.Opcode != cmdSyncClock || len(f.Payload) != 0 {
			t.Fatalf("got frame %+v, want empty-payload sync clock frame", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}
