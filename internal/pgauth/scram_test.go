package pgauth

import (
	"encoding/base64"
	"fmt"
	"net"
	"testing"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// TestScramClientServerRoundTrip exercises both halves of the exchange
// against each other over a net.Pipe: ScramServerExchange plays the role
// this proxy plays toward its own clients, ScramBackendAuth plays the
// role it plays toward a real PostgreSQL server. Driving them against
// each other proves the two independently-written halves agree bit for
// bit on the wire format.
func TestScramClientServerRoundTrip(t *testing.T) {
	const user = "alice"
	const password = "pencil"

	salt, err := base64.StdEncoding.DecodeString("W22ZaJ0SNY7soEsUEjb6gQ==")
	if err != nil {
		t.Fatalf("decoding salt: %v", err)
	}
	cred := DeriveScramCredential(password, salt, 4096)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ScramServerExchange(serverConn, cred, func() ([]byte, error) {
			return readPasswordMessagePayload(serverConn)
		})
	}()

	clientErrCh := make(chan error, 1)
	go func() {
		// A fake AuthenticationSASL mechanism list, as a real server
		// would send before the client's SASLInitialResponse — the
		// 4-byte auth-type field ScramBackendAuth skips, then the
		// null-terminated mechanism list.
		fakeMechanismList := append([]byte{0, 0, 0, 0}, []byte("SCRAM-SHA-256\x00\x00")...)
		clientErrCh <- ScramBackendAuth(clientConn, user, password, fakeMechanismList)
	}()

	if err := <-clientErrCh; err != nil {
		t.Fatalf("client side: %v", err)
	}
	if err := <-serverErrCh; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

// readPasswordMessagePayload reads one typed message and requires it be
// a PasswordMessage ('p'), returning its payload.
func readPasswordMessagePayload(conn net.Conn) ([]byte, error) {
	msg, err := protocol.ReadTyped(conn)
	if err != nil {
		return nil, err
	}
	if msg.Kind != protocol.KindPassword {
		return nil, fmt.Errorf("expected PasswordMessage, got %c", msg.Kind)
	}
	return msg.Payload, nil
}

func TestDeriveScramCredentialKnownVector(t *testing.T) {
	salt, err := base64.StdEncoding.DecodeString("W22ZaJ0SNY7soEsUEjb6gQ==")
	if err != nil {
		t.Fatalf("decoding salt: %v", err)
	}
	cred := DeriveScramCredential("pencil", salt, 4096)
	if len(cred.StoredKey) != 32 || len(cred.ServerKey) != 32 {
		t.Fatalf("expected 32-byte derived keys, got %d/%d", len(cred.StoredKey), len(cred.ServerKey))
	}
	// StoredKey and ServerKey for the RFC 7677 example ("pencil", the salt
	// above, 4096 iterations).
	if got := base64.StdEncoding.EncodeToString(cred.StoredKey); got != "WG5d8oPm3OtcPnkdi4Uo7BkeZkBFzpcXkuLmtbsT4qY=" {
		t.Errorf("StoredKey = %s", got)
	}
	if got := base64.StdEncoding.EncodeToString(cred.ServerKey); got != "wfPLwcE6nTWhTAmQ7tl2KeoiWGPlZqQxSrmfPwDl2dU=" {
		t.Errorf("ServerKey = %s", got)
	}
}

func TestMD5Password(t *testing.T) {
	salt := [4]byte{0x01, 0x02, 0x03, 0x04}
	got := MD5Password("secret", "bob", salt)
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("unexpected MD5Password shape: %q", got)
	}
	again := MD5Password("secret", "bob", salt)
	if got != again {
		t.Fatalf("MD5Password is not deterministic for identical inputs")
	}
}

func TestHBARuleMatch(t *testing.T) {
	rule := HBARule{Type: HBATypeHost, Database: "app", User: "all", Address: "10.0.0.0/8", Method: MethodSCRAMSHA256}
	if !rule.Match("app", "svc", "10.1.2.3:5432", false) {
		t.Errorf("expected rule to match in-range address")
	}
	if rule.Match("app", "svc", "192.168.1.1:5432", false) {
		t.Errorf("expected rule to reject out-of-range address")
	}
	if rule.Match("other_db", "svc", "10.1.2.3:5432", false) {
		t.Errorf("expected rule to reject non-matching database")
	}
}

func TestResolveMethodFirstMatchWins(t *testing.T) {
	rules := []HBARule{
		{Type: HBATypeHost, Database: "all", User: "all", Address: "all", Method: MethodTrust},
		{Type: HBATypeHost, Database: "all", User: "all", Address: "all", Method: MethodSCRAMSHA256},
	}
	rule, err := ResolveMethod(rules, "app", "bob", "127.0.0.1:1", false)
	if err != nil {
		t.Fatalf("ResolveMethod: %v", err)
	}
	if rule.Method != MethodTrust {
		t.Errorf("expected first matching rule (trust) to win, got %q", rule.Method)
	}
}

func TestResolveAlias(t *testing.T) {
	aliases := map[string]string{"database_alias1": "real_app_db"}
	if got := ResolveAlias(aliases, "database_alias1"); got != "real_app_db" {
		t.Errorf("ResolveAlias() = %q, want real_app_db", got)
	}
	if got := ResolveAlias(aliases, "app"); got != "app" {
		t.Errorf("ResolveAlias() passthrough = %q, want app", got)
	}
}
