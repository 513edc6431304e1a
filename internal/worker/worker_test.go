package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgagroal/internal/pgauth"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/pipeline"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

func fakeBackend(conn net.Conn) {
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

func testPool(t *testing.T, maxConns int) (*pgpool.Pool, func()) {
	t.Helper()
	dial := func(ctx context.Context, serverIndex int) (net.Conn, error) {
		serverEnd, proxyEnd := net.Pipe()
		go fakeBackend(serverEnd)
		return proxyEnd, nil
	}
	auth := func(conn net.Conn, user, password, database string) (pgauth.BackendAuthResult, error) {
		return pgauth.BackendAuthResult{
			Params:        map[string]string{"server_version": "16.0"},
			BackendPID:    42,
			BackendSecret: 99,
			SecurityMessages: []protocol.Message{
				{Kind: protocol.KindParameterStatus, Payload: []byte("server_version\x0016.0\x00")},
			},
		}, nil
	}
	cred := func(database, user string) (string, bool) { return "proxy-pw", true }
	pool := pgpool.New(pgpool.Config{MaxConnections: maxConns, Dial: dial, Auth: auth, Credential: cred})
	return pool, func() { pool.Close() }
}

func sendStartup(t *testing.T, conn net.Conn, user, database string) {
	t.Helper()
	msg := protocol.BuildStartupMessage(map[string]string{"user": user, "database": database})
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("writing startup: %v", err)
	}
}

func TestHandleTrustFullRoundTrip(t *testing.T) {
	pool, closePool := testPool(t, 2)
	defer closePool()

	clientRemote, clientLocal := net.Pipe()
	defer clientRemote.Close()

	cfg := Config{
		Pool:     pool,
		Store:    pgauth.MapUserStore{},
		HBARules: []pgauth.HBARule{{Type: pgauth.HBATypeHost, Database: "all", User: "all", Method: pgauth.MethodTrust}},
		Mode:     ModePerformance,
	}

	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), clientLocal, "127.0.0.1:5432", cfg) }()

	sendStartup(t, clientRemote, "alice", "app")

	msg, err := protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading AuthenticationOk: %v", err)
	}
	if msg.Kind != protocol.KindAuthentication {
		t.Fatalf("expected Authentication message, got %c", msg.Kind)
	}

	// drain ParameterStatus/BackendKeyData/ReadyForQuery
	for i := 0; i < 3; i++ {
		if _, err := protocol.ReadTyped(clientRemote); err != nil {
			t.Fatalf("reading startup-complete frame %d: %v", i, err)
		}
	}

	if err := protocol.WriteTyped(clientRemote, protocol.KindTerminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Handle to return")
	}

	for _, s := range pool.Slots() {
		if s.State() == pgpool.StateInUse {
			t.Fatalf("expected no slot left IN_USE after a clean terminate")
		}
	}
}

// TestHandleAuthFailureNeverClaimsSlot is the regression test for the
// invariant that a failed client credential challenge must never leave
// a slot transitioned away from NOTINIT/FREE.
func TestHandleAuthFailureNeverClaimsSlot(t *testing.T) {
	pool, closePool := testPool(t, 2)
	defer closePool()

	clientRemote, clientLocal := net.Pipe()
	defer clientRemote.Close()

	store := pgauth.MapUserStore{
		"alice": pgauth.UserCredential{User: "alice", Kind: pgauth.CredentialPlain, PlainPassword: "correct"},
	}
	cfg := Config{
		Pool:     pool,
		Store:    store,
		HBARules: []pgauth.HBARule{{Type: pgauth.HBATypeHost, Database: "all", User: "all", Method: pgauth.MethodPassword}},
		Mode:     ModePerformance,
	}

	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), clientLocal, "127.0.0.1:5432", cfg) }()

	sendStartup(t, clientRemote, "alice", "app")

	msg, err := protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading AuthenticationCleartextPassword: %v", err)
	}
	if msg.Kind != protocol.KindAuthentication {
		t.Fatalf("expected Authentication message, got %c", msg.Kind)
	}

	if err := protocol.WriteTyped(clientRemote, protocol.KindPassword, append([]byte("wrong-password"), 0)); err != nil {
		t.Fatalf("write password: %v", err)
	}

	errMsg, err := protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading ErrorResponse: %v", err)
	}
	if errMsg.Kind != protocol.KindErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", errMsg.Kind)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Handle to return")
	}

	for _, s := range pool.Slots() {
		if s.State() != pgpool.StateNotInit {
			t.Fatalf("expected every slot to remain NOTINIT after an auth failure, got %v", s.State())
		}
	}
}

// TestHandleReuseStillChallengesClient is the regression test for the
// invariant that slot reuse only substitutes for re-contacting the
// backend, never for the client's own credential challenge (spec §4.4.1
// steps 3–5 run on every client connection, reused slot or not).
func TestHandleReuseStillChallengesClient(t *testing.T) {
	pool, closePool := testPool(t, 1)
	defer closePool()

	store := pgauth.MapUserStore{
		"alice": pgauth.UserCredential{User: "alice", Kind: pgauth.CredentialPlain, PlainPassword: "correct"},
	}
	hba := []pgauth.HBARule{{Type: pgauth.HBATypeHost, Database: "all", User: "all", Method: pgauth.MethodPassword}}

	// Prime the single slot with a real authenticated reservation, then
	// return it FREE so the next Handle call reuses it without a dial.
	slot, err := pool.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("priming reserve: %v", err)
	}
	pool.Return(slot, false)

	clientRemote, clientLocal := net.Pipe()
	defer clientRemote.Close()

	cfg := Config{Pool: pool, Store: store, HBARules: hba, Mode: ModePerformance, Metrics: pipeline.Metrics(nil)}

	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), clientLocal, "127.0.0.1:5432", cfg) }()

	sendStartup(t, clientRemote, "alice", "app")

	// A reused slot still runs the client's own credential challenge —
	// the first frame back must be AuthenticationCleartextPassword, not
	// an immediate AuthenticationOk.
	msg, err := protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading challenge frame: %v", err)
	}
	if msg.Kind != protocol.KindAuthentication {
		t.Fatalf("expected Authentication message, got %c", msg.Kind)
	}

	if err := protocol.WriteTyped(clientRemote, protocol.KindPassword, append([]byte("correct"), 0)); err != nil {
		t.Fatalf("write password: %v", err)
	}

	// Only after the challenge succeeds does AuthenticationOk arrive,
	// followed by the cached security_messages replay from the primed
	// reservation.
	msg, err = protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading AuthenticationOk: %v", err)
	}
	if msg.Kind != protocol.KindAuthentication {
		t.Fatalf("expected Authentication message, got %c", msg.Kind)
	}
	msg, err = protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading replayed ParameterStatus: %v", err)
	}
	if msg.Kind != protocol.KindParameterStatus {
		t.Fatalf("expected replayed ParameterStatus, got %c", msg.Kind)
	}

	if err := protocol.WriteTyped(clientRemote, protocol.KindTerminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Handle to return")
	}
}

// TestHandleReuseRejectsBadCredential confirms a live FREE slot is not
// handed to the client, nor left IN_USE, when the client's own credential
// challenge fails — reuse must never become an authentication bypass.
func TestHandleReuseRejectsBadCredential(t *testing.T) {
	pool, closePool := testPool(t, 1)
	defer closePool()

	store := pgauth.MapUserStore{
		"alice": pgauth.UserCredential{User: "alice", Kind: pgauth.CredentialPlain, PlainPassword: "correct"},
	}
	hba := []pgauth.HBARule{{Type: pgauth.HBATypeHost, Database: "all", User: "all", Method: pgauth.MethodPassword}}

	slot, err := pool.Reserve(context.Background(), "alice", "app", false, false)
	if err != nil {
		t.Fatalf("priming reserve: %v", err)
	}
	pool.Return(slot, false)

	clientRemote, clientLocal := net.Pipe()
	defer clientRemote.Close()

	cfg := Config{Pool: pool, Store: store, HBARules: hba, Mode: ModePerformance, Metrics: pipeline.Metrics(nil)}

	done := make(chan error, 1)
	go func() { done <- Handle(context.Background(), clientLocal, "127.0.0.1:5432", cfg) }()

	sendStartup(t, clientRemote, "alice", "app")

	if _, err := protocol.ReadTyped(clientRemote); err != nil {
		t.Fatalf("reading challenge frame: %v", err)
	}

	if err := protocol.WriteTyped(clientRemote, protocol.KindPassword, append([]byte("wrong-password"), 0)); err != nil {
		t.Fatalf("write password: %v", err)
	}

	errMsg, err := protocol.ReadTyped(clientRemote)
	if err != nil {
		t.Fatalf("reading ErrorResponse: %v", err)
	}
	if errMsg.Kind != protocol.KindErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", errMsg.Kind)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Handle to return")
	}

	for _, s := range pool.Slots() {
		if s.State() == pgpool.StateInUse {
			t.Fatalf("expected the rejected slot not to be left IN_USE, got %v", s.State())
		}
	}
}
