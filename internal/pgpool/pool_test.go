package pgpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgagroal/internal/pgauth"
)

// fakeConn is a minimal net.Conn that never actually does I/O — enough
// for Reserve/Return/Kill bookkeeping tests that don't exercise the
// wire protocol.
type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Close() error { f.closed = true; return nil }

func fakeDial(ctx context.Context, serverIndex int) (net.Conn, error) {
	return &fakeConn{}, nil
}

func fakeAuth(conn net.Conn, user, password, database string) (pgauth.BackendAuthResult, error) {
	return pgauth.BackendAuthResult{
		Params:        map[string]string{"server_version": "16.0"},
		BackendPID:    42,
		BackendSecret: 99,
	}, nil
}

func fakeCredential(database, user string) (string, bool) { return "pw", true }

func TestReserveReturnRoundTrip(t *testing.T) {
	rule := &LimitRule{Database: "all", User: "all", Min: 0, Max: 2}
	p := New(Config{
		MaxConnections: 2,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
	})
	defer p.Close()

	s1, err := p.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if s1.State() != StateInUse {
		t.Fatalf("expected IN_USE, got %s", s1.State())
	}
	if rule.counter != 1 {
		t.Fatalf("expected counter 1, got %d", rule.counter)
	}

	p.Return(s1, false)
	if s1.State() != StateFree {
		t.Fatalf("expected FREE after return, got %s", s1.State())
	}
}

func TestReservePoolFullAtCap(t *testing.T) {
	rule := &LimitRule{Database: "all", User: "all", Min: 0, Max: 1}
	p := New(Config{
		MaxConnections: 2,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
	})
	defer p.Close()

	if _, err := p.Reserve(context.Background(), "alice", "app", false, false); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if _, err := p.Reserve(context.Background(), "bob", "app", false, false); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestReserveReusePrefersMatchingIdentity(t *testing.T) {
	rule := &LimitRule{Database: "all", User: "all", Min: 0, Max: 5}
	p := New(Config{
		MaxConnections: 3,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
	})
	defer p.Close()

	s1, err := p.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	p.Return(s1, false)

	s2, err := p.Reserve(context.Background(), "alice", "app", true, false)
	if err != nil {
		t.Fatalf("Reserve reuse: %v", err)
	}
	if s2.Index() != s1.Index() {
		t.Fatalf("expected reuse to return the same slot index, got %d want %d", s2.Index(), s1.Index())
	}
}

func TestKillResetsSlot(t *testing.T) {
	rule := &LimitRule{Database: "all", User: "all", Min: 0, Max: 1}
	p := New(Config{
		MaxConnections: 1,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
	})
	defer p.Close()

	s, err := p.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	p.Kill(s)

	if s.State() != StateNotInit {
		t.Fatalf("expected NOTINIT after kill, got %s", s.State())
	}
	if rule.counter != 0 {
		t.Fatalf("expected counter rolled back to 0, got %d", rule.counter)
	}
	if s.username != "" {
		t.Fatalf("expected identity cleared after kill")
	}
}

func TestIdleTimeoutSweepKillsStaleFreeSlots(t *testing.T) {
	rule := &LimitRule{Database: "all", User: "all", Min: 0, Max: 1}
	p := New(Config{
		MaxConnections: 1,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
		IdleTimeout:    10 * time.Millisecond,
	})
	defer p.Close()

	s, err := p.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	p.Return(s, false)

	time.Sleep(20 * time.Millisecond)
	p.IdleTimeoutSweep()

	if s.State() != StateNotInit {
		t.Fatalf("expected idle slot reaped to NOTINIT, got %s", s.State())
	}
}

func TestFlushGracefulMarksInUseSlots(t *testing.T) {
	rule := &LimitRule{Database: "all", User: "all", Min: 0, Max: 1}
	p := New(Config{
		MaxConnections: 1,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
	})
	defer p.Close()

	s, err := p.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	p.Flush(FlushGraceful, "app")
	if s.State() != StateGracefully {
		t.Fatalf("expected GRACEFULLY, got %s", s.State())
	}

	// Returning a GRACEFULLY slot must kill it rather than free it.
	p.Return(s, false)
	if s.State() != StateNotInit {
		t.Fatalf("expected NOTINIT after returning a GRACEFULLY slot, got %s", s.State())
	}
}

func TestPrefillPopulatesFreeSlots(t *testing.T) {
	rule := &LimitRule{Database: "app", User: "svc", Min: 2, Max: 5}
	p := New(Config{
		MaxConnections: 3,
		Dial:           fakeDial,
		Auth:           fakeAuth,
		Credential:     fakeCredential,
		Limits:         []*LimitRule{rule},
	})
	defer p.Close()

	p.Prefill(context.Background())

	free := 0
	for _, s := range p.Slots() {
		if s.State() == StateFree {
			free++
		}
	}
	if free != 2 {
		t.Fatalf("expected 2 prefilled FREE slots, got %d", free)
	}
	if rule.counter != 0 {
		t.Fatalf("expected limit counter to stay 0 for FREE prefilled slots (only IN_USE is counted), got %d", rule.counter)
	}
}
