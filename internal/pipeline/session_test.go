package pipeline

import (
	"net"
	"testing"
	"time"
)

func TestCancelRegistryForward(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	reg := NewCancelRegistry()
	reg.Register(42, 99, ln.Addr().String())

	if err := reg.Forward(42, 99, time.Second); err != nil {
		t.Fatalf("forward: %v", err)
	}

	select {
	case buf := <-received:
		if len(buf) != 16 {
			t.Fatalf("expected a 16-byte CancelRequest frame (4-byte length + 12-byte payload), got %d bytes", len(buf))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel frame")
	}
}

func TestCancelRegistryForwardUnknownKey(t *testing.T) {
	reg := NewCancelRegistry()
	if err := reg.Forward(1, 2, time.Second); err == nil {
		t.Fatal("expected an error for an unregistered cancel key")
	}
}

func TestCancelRegistryUnregister(t *testing.T) {
	reg := NewCancelRegistry()
	reg.Register(1, 2, "127.0.0.1:5432")
	reg.Unregister(1, 2)
	if err := reg.Forward(1, 2, time.Second); err == nil {
		t.Fatal("expected an error after unregistering the cancel key")
	}
}
