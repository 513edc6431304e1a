package pipeline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgagroal/internal/pgauth"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// fakeBackendServer answers exactly one simple-query round trip with a
// ReadyForQuery('I'), then answers every subsequent query the same way —
// enough to drive a transaction pipeline through reserve/release cycles.
func fakeBackendServer(conn net.Conn) {
	for {
		msg, err := protocol.ReadTyped(conn)
		if err != nil {
			return
		}
		if msg.Kind == protocol.KindTerminate {
			return
		}
		protocol.WriteTyped(conn, protocol.KindReadyForQuery, []byte{'I'})
	}
}

func TestRunTransactionSingleQueryReleasesSlot(t *testing.T) {
	serverEnd, proxyEnd := net.Pipe()
	go fakeBackendServer(serverEnd)

	dial := func(ctx context.Context, serverIndex int) (net.Conn, error) { return proxyEnd, nil }
	auth := func(conn net.Conn, user, password, database string) (pgauth.BackendAuthResult, error) {
		return pgauth.BackendAuthResult{
			Params:      map[string]string{"server_version": "16.0"},
			BackendPID:  7,
			BackendSecret: 11,
			SecurityMessages: []protocol.Message{
				{Kind: protocol.KindParameterStatus, Payload: append(append([]byte("server_version"), 0), append([]byte("16.0"), 0)...)},
			},
		}, nil
	}
	cred := func(database, user string) (string, bool) { return "pw", true }

	pool := pgpool.New(pgpool.Config{MaxConnections: 1, Dial: dial, Auth: auth, Credential: cred})
	defer pool.Close()

	initial, err := pool.Reserve(context.Background(), "alice", "app", false, true)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	clientRemote, clientProxySide := net.Pipe()
	defer clientRemote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- RunTransaction(ctx, clientProxySide, pool, "alice", "app", initial, nil) }()

	// The worker has already completed the client handshake before
	// calling RunTransaction; the only thing RunTransaction does up
	// front is release the initial slot, which a brief sleep gives it
	// time to observe.
	time.Sleep(20 * time.Millisecond)

	// Send one query; expect the slot to be FREE again right after.
	if err := protocol.WriteTyped(clientRemote, protocol.KindQuery, append([]byte("select 1"), 0)); err != nil {
		t.Fatalf("write query: %v", err)
	}
	if _, err := protocol.ReadTyped(clientRemote); err != nil {
		t.Fatalf("reading query response: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	free := 0
	for _, s := range pool.Slots() {
		if s.State() == pgpool.StateFree {
			free++
		}
	}
	if free != 1 {
		t.Fatalf("expected the slot to be released between transactions, got %d free slots", free)
	}

	if err := protocol.WriteTyped(clientRemote, protocol.KindTerminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}

	select {
	case r := <-done:
		if r.Code != ExitSuccess {
			t.Fatalf("expected ExitSuccess, got %v", r.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline exit")
	}
}

func TestDecideTable(t *testing.T) {
	cases := []struct {
		r    Result
		want Action
	}{
		{Result{Code: ExitSuccess}, ActionReturn},
		{Result{Code: ExitClientFailure}, ActionReturn},
		{Result{Code: ExitServerFailure}, ActionKill},
		{Result{Code: ExitServerFatal}, ActionKill},
		{Result{Code: ExitShutdown}, ActionKill},
		{Result{Code: ExitFailover}, ActionKill},
		{Result{Code: ExitFailure, SlotAuthValid: false}, ActionKill},
		{Result{Code: ExitFailure, SlotAuthValid: true, SocketValid: true}, ActionReturn},
		{Result{Code: ExitFailure, SlotAuthValid: true, SocketValid: false}, ActionKill},
	}
	for i, c := range cases {
		if got := Decide(c.r); got != c.want {
			t.Fatalf("case %d: Decide(%+v) = %v, want %v", i, c.r, got, c.want)
		}
	}
}
