package pgauth

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

func TestAuthenticateClientTrust(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	rule := HBARule{Method: MethodTrust}
	store := MapUserStore{}
	req := StartupRequest{User: "alice", Database: "app"}

	errCh := make(chan error, 1)
	go func() {
		errCh <- AuthenticateClient(serverConn, rule, store, req, nil, map[string]string{"server_version": "16.0"}, 1234, 5678)
	}()

	// AuthenticationOk
	msg, err := protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading AuthenticationOk: %v", err)
	}
	if msg.Kind != protocol.KindAuthentication {
		t.Fatalf("expected Authentication message, got %c", msg.Kind)
	}

	// ParameterStatus
	msg, err = protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading ParameterStatus: %v", err)
	}
	if msg.Kind != protocol.KindParameterStatus {
		t.Fatalf("expected ParameterStatus, got %c", msg.Kind)
	}

	// BackendKeyData
	msg, err = protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading BackendKeyData: %v", err)
	}
	if msg.Kind != protocol.KindBackendKeyData {
		t.Fatalf("expected BackendKeyData, got %c", msg.Kind)
	}

	// ReadyForQuery
	msg, err = protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading ReadyForQuery: %v", err)
	}
	if msg.Kind != protocol.KindReadyForQuery || string(msg.Payload) != "I" {
		t.Fatalf("expected ReadyForQuery('I'), got %c %q", msg.Kind, msg.Payload)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("AuthenticateClient: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AuthenticateClient did not return")
	}
}

func TestAuthenticateClientMD5(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	rule := HBARule{Method: MethodMD5}
	store := MapUserStore{"bob": {User: "bob", Kind: CredentialPlain, PlainPassword: "hunter2"}}
	req := StartupRequest{User: "bob", Database: "app"}

	errCh := make(chan error, 1)
	go func() {
		errCh <- AuthenticateClient(serverConn, rule, store, req, nil, map[string]string{}, 1, 2)
	}()

	// AuthenticationMD5Password
	msg, err := protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading AuthenticationMD5Password: %v", err)
	}
	if len(msg.Payload) != 8 {
		t.Fatalf("expected 4-byte auth type + 4-byte salt, got %d bytes", len(msg.Payload))
	}
	var salt [4]byte
	copy(salt[:], msg.Payload[4:8])

	response := MD5Password("hunter2", "bob", salt)
	if err := protocol.WriteTyped(clientConn, protocol.KindPassword, append([]byte(response), 0)); err != nil {
		t.Fatalf("writing password response: %v", err)
	}

	// Drain AuthenticationOk..ReadyForQuery
	for i := 0; i < 3; i++ {
		if _, err := protocol.ReadTyped(clientConn); err != nil {
			t.Fatalf("draining startup sequence: %v", err)
		}
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("AuthenticateClient: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AuthenticateClient did not return")
	}
}

func TestReplaySecurityMessages(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	cached := []protocol.Message{
		{Kind: protocol.KindParameterStatus, Payload: []byte("server_version\x0016.0\x00")},
		{Kind: protocol.KindReadyForQuery, Payload: []byte{'I'}},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- AuthenticateClient(serverConn, HBARule{Method: MethodTrust}, MapUserStore{}, StartupRequest{}, cached, nil, 0, 0)
	}()

	msg, err := protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading AuthenticationOk: %v", err)
	}
	if msg.Kind != protocol.KindAuthentication {
		t.Fatalf("expected AuthenticationOk before the replay, got %c", msg.Kind)
	}
	msg, err = protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading replayed message: %v", err)
	}
	if msg.Kind != protocol.KindParameterStatus {
		t.Fatalf("expected replayed ParameterStatus, got %c", msg.Kind)
	}
	msg, err = protocol.ReadTyped(clientConn)
	if err != nil {
		t.Fatalf("reading second replayed message: %v", err)
	}
	if msg.Kind != protocol.KindReadyForQuery {
		t.Fatalf("expected replayed ReadyForQuery, got %c", msg.Kind)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("AuthenticateClient: %v", err)
	}
}
