package pgauth

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/dbbouncer/pgagroal/internal/perr"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// maxSSLAttempts bounds the SSL-negotiation retry loop in ReadStartup,
// mirroring the teacher's readStartupMessage guard against a client that
// never settles on plain-or-TLS.
const maxSSLAttempts = 3

// AuthTimeout bounds every blocking read in the client-facing state
// machine (spec §5 "Cancellation and timeouts").
const AuthTimeout = 30 * time.Second

// StartupRequest is the result of reading a client's startup phase: the
// resolved connection parameters plus the (possibly TLS-upgraded) conn
// to continue on.
type StartupRequest struct {
	Conn     net.Conn
	IsSSL    bool
	Database string
	User     string
	Params   map[string]string
	Cancel   bool // true if this was a CancelRequest, not a startup
	CancelPID    uint32
	CancelSecret uint32
}

// ReadStartup reads the client's initial frame, handling SSLRequest
// negotiation (looped, bounded) and CancelRequest recognition, grounded
// on the teacher's readStartupMessage loop (spec §4.4.1 steps 1–2).
func ReadStartup(conn net.Conn, tlsConfig *tls.Config) (StartupRequest, error) {
	current := conn
	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		msg, err := protocol.ReadUntyped(current)
		if err != nil {
			return StartupRequest{}, fmt.Errorf("reading startup frame: %w", err)
		}

		code := protocol.ProtocolVersion(msg.Payload)
		switch code {
		case protocol.SSLRequestCode:
			if tlsConfig != nil {
				if _, err := current.Write([]byte{'S'}); err != nil {
					return StartupRequest{}, fmt.Errorf("acking SSLRequest: %w", err)
				}
				tlsConn := tls.Server(current, tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return StartupRequest{}, fmt.Errorf("TLS handshake: %w", err)
				}
				current = tlsConn
			} else {
				if _, err := current.Write([]byte{'N'}); err != nil {
					return StartupRequest{}, fmt.Errorf("declining SSLRequest: %w", err)
				}
			}
			continue

		case protocol.CancelRequestCode:
			if len(msg.Payload) < 12 {
				return StartupRequest{}, fmt.Errorf("short CancelRequest payload")
			}
			pid := beUint32(msg.Payload[4:8])
			secret := beUint32(msg.Payload[8:12])
			return StartupRequest{Conn: current, Cancel: true, CancelPID: pid, CancelSecret: secret}, nil
		}

		params := protocol.ParseStartupParams(msg.Payload)
		return StartupRequest{
			Conn:     current,
			IsSSL:    current != conn,
			Database: params["database"],
			User:     params["user"],
			Params:   params,
		}, nil
	}
	return StartupRequest{}, fmt.Errorf("too many SSL negotiation attempts")
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// ClientAuthResult carries what the worker needs after a successful
// client-facing authentication to either pin a fresh slot or replay a
// reused one.
type ClientAuthResult struct {
	BackendKeyPID    uint32
	BackendKeySecret uint32
}

// AuthenticateClient runs the client-facing half of the authenticator
// (spec §4.4.1 steps 3–6): HBA method selection and credential
// challenge, then AuthenticationOk followed by either the full startup
// reply sequence (fresh slot) or a replay of the cached security_messages
// (reused slot).
//
// securityMessages, when non-nil, is the cached sequence from a reused
// slot (spec §4.3 "slot reuse replay"); that replay only substitutes for
// re-contacting the *backend* — every client connection, reused slot or
// not, still has to pass its own credential challenge (spec §4.4.1 steps
// 3–5 run on every client connection).
func AuthenticateClient(conn net.Conn, rule HBARule, store UserStore, req StartupRequest, securityMessages []protocol.Message, backendParams map[string]string, pid, secret uint32) error {
	if err := ChallengeCredential(conn, rule, store, req.User); err != nil {
		return err
	}

	if len(securityMessages) > 0 {
		if err := sendAuthSubMessage(conn, 0, nil); err != nil {
			return fmt.Errorf("sending AuthenticationOk: %w", err)
		}
		return replaySecurityMessages(conn, securityMessages)
	}

	return sendStartupComplete(conn, backendParams, pid, secret)
}

// ChallengeCredential runs only the credential challenge against a local
// store, with no slot or backend connection involved — the half of
// AuthenticateClient a worker must complete before ever reserving a
// fresh slot (spec §7: "slot never entered IN_USE" on an auth error).
func ChallengeCredential(conn net.Conn, rule HBARule, store UserStore, user string) error {
	switch rule.Method {
	case MethodTrust, MethodAll:
		return nil
	case MethodPassword:
		return challengeCleartext(conn, store, user)
	case MethodMD5:
		return challengeMD5(conn, store, user)
	case MethodSCRAMSHA256:
		return challengeSCRAM(conn, store, user)
	case MethodCert:
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return perr.Fatal(perr.CodeInvalidAuth, "certificate authentication requires a TLS connection")
		}
		certs := tlsConn.ConnectionState().PeerCertificates
		if len(certs) == 0 || rule.CertUsername(certs[0].Subject.CommonName) != user {
			return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("certificate authentication failed for user %q", user))
		}
		return nil
	default:
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("unsupported auth method %q", rule.Method))
	}
}

// CompleteStartup sends AuthenticationOk/ParameterStatus/BackendKeyData/
// ReadyForQuery for a freshly reserved slot whose client credential has
// already been verified by ChallengeCredential.
func CompleteStartup(conn net.Conn, backendParams map[string]string, pid, secret uint32) error {
	return sendStartupComplete(conn, backendParams, pid, secret)
}

func challengeCleartext(conn net.Conn, store UserStore, user string) error {
	if err := sendAuthSubMessage(conn, 3, nil); err != nil {
		return fmt.Errorf("sending AuthenticationCleartextPassword: %w", err)
	}
	msg, err := protocol.ReadTypedTimeout(conn, AuthTimeout)
	if err != nil {
		return fmt.Errorf("reading cleartext password: %w", err)
	}
	if msg.Kind != protocol.KindPassword {
		return perr.Fatal(perr.CodeProtocolViolation, "expected PasswordMessage")
	}
	password := trimNull(msg.Payload)

	cred, ok := store.Lookup(user)
	if !ok {
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("role %q does not exist", user))
	}
	ok2, err := cred.VerifyPassword(password)
	if err != nil || !ok2 {
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("password authentication failed for user %q", user))
	}
	return nil
}

func challengeMD5(conn net.Conn, store UserStore, user string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("generating MD5 salt: %w", err)
	}
	if err := sendAuthSubMessage(conn, 5, salt[:]); err != nil {
		return fmt.Errorf("sending AuthenticationMD5Password: %w", err)
	}
	msg, err := protocol.ReadTypedTimeout(conn, AuthTimeout)
	if err != nil {
		return fmt.Errorf("reading MD5 response: %w", err)
	}
	if msg.Kind != protocol.KindPassword {
		return perr.Fatal(perr.CodeProtocolViolation, "expected PasswordMessage")
	}
	response := trimNull(msg.Payload)

	cred, ok := store.Lookup(user)
	if !ok {
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("role %q does not exist", user))
	}

	var expected string
	switch cred.Kind {
	case CredentialMD5:
		expected = md5FromStoredHash(cred.MD5Hash, salt)
	case CredentialPlain:
		expected = MD5Password(cred.PlainPassword, user, salt)
	default:
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("user %q has no md5-compatible credential on file", user))
	}
	if response != expected {
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("password authentication failed for user %q", user))
	}
	return nil
}

// md5FromStoredHash computes the client-expected response when the
// proxy only has the pre-salted "md5..." hash on file (not the
// plaintext): response = md5(storedHash[3:] + salt).
func md5FromStoredHash(storedHash string, salt [4]byte) string {
	inner := storedHash
	if len(inner) > 3 && inner[:3] == "md5" {
		inner = inner[3:]
	}
	return "md5" + md5Hex(inner+string(salt[:]))
}

func challengeSCRAM(conn net.Conn, store UserStore, user string) error {
	cred, ok := store.Lookup(user)
	if !ok || cred.Kind != CredentialSCRAM {
		return perr.Fatal(perr.CodeInvalidAuth, fmt.Sprintf("user %q has no SCRAM credential on file", user))
	}
	if err := sendAuthSASLMechanisms(conn); err != nil {
		return fmt.Errorf("sending AuthenticationSASL: %w", err)
	}
	readTimeout := func() ([]byte, error) {
		msg, err := protocol.ReadTypedTimeout(conn, AuthTimeout)
		if err != nil {
			return nil, err
		}
		if msg.Kind != protocol.KindPassword {
			return nil, perr.Fatal(perr.CodeProtocolViolation, "expected PasswordMessage during SASL exchange")
		}
		return msg.Payload, nil
	}
	if err := ScramServerExchange(conn, cred.SCRAM, readTimeout); err != nil {
		return perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, "SCRAM authentication failed", err)
	}
	return nil
}

func sendAuthSASLMechanisms(conn net.Conn) error {
	var payload []byte
	payload = append(payload, "SCRAM-SHA-256"...)
	payload = append(payload, 0, 0)
	return sendAuthSubMessage(conn, 10, payload)
}

// sendStartupComplete sends AuthenticationOk, ParameterStatus for each
// backend parameter, BackendKeyData, and ReadyForQuery — the sequence a
// freshly authenticated client expects (spec §4.4.1 step 6).
func sendStartupComplete(conn net.Conn, params map[string]string, pid, secret uint32) error {
	if err := sendAuthSubMessage(conn, 0, nil); err != nil {
		return fmt.Errorf("sending AuthenticationOk: %w", err)
	}
	for k, v := range params {
		payload := append([]byte(k), 0)
		payload = append(payload, v...)
		payload = append(payload, 0)
		if err := protocol.WriteTyped(conn, protocol.KindParameterStatus, payload); err != nil {
			return fmt.Errorf("sending ParameterStatus: %w", err)
		}
	}
	keyData := make([]byte, 8)
	putUint32(keyData[0:4], pid)
	putUint32(keyData[4:8], secret)
	if err := protocol.WriteTyped(conn, protocol.KindBackendKeyData, keyData); err != nil {
		return fmt.Errorf("sending BackendKeyData: %w", err)
	}
	return protocol.WriteTyped(conn, protocol.KindReadyForQuery, []byte{'I'})
}

// replaySecurityMessages resends the cached authentication-phase
// messages to a client reusing a slot whose backend identity it has
// already authenticated against in a prior connection — spec §4.3's
// "security_messages replay for reused slots".
func replaySecurityMessages(conn net.Conn, messages []protocol.Message) error {
	for _, m := range messages {
		if err := protocol.WriteTyped(conn, m.Kind, m.Payload); err != nil {
			return fmt.Errorf("replaying cached security message: %w", err)
		}
	}
	return nil
}

func trimNull(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
