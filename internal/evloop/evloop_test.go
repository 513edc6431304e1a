package evloop

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

func TestWatcherDeliversFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	w := NewWatcher(a, 20*time.Millisecond)
	w.Start()
	defer w.Stop()

	go protocol.WriteTyped(b, protocol.KindQuery, []byte("select 1\x00"))

	select {
	case ev := <-w.Events():
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		if ev.Msg.Kind != protocol.KindQuery {
			t.Fatalf("expected Query frame, got %q", ev.Msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatcherStopParksGoroutine(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	w := NewWatcher(a, 10*time.Millisecond)
	w.Start()
	w.Stop() // must return promptly even with nothing ever written

	a.Close()
}

func TestWatcherReportsCloseAsEvent(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	w := NewWatcher(a, 10*time.Millisecond)
	w.Start()
	defer w.Stop()

	b.Close()

	select {
	case ev := <-w.Events():
		if ev.Err == nil {
			t.Fatal("expected an error event after peer close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
	}
}
