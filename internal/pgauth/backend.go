package pgauth

import (
	"fmt"
	"net"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// BackendAuthResult is what the backend-facing exchange produces: the
// server's startup parameters, its BackendKeyData (used for CancelRequest
// forwarding), and the raw security_messages sequence a reused slot
// replays to a later client instead of re-authenticating (spec §4.3).
type BackendAuthResult struct {
	Params           map[string]string
	BackendPID       uint32
	BackendSecret    uint32
	SecurityMessages []protocol.Message
}

// AuthenticateBackend performs the startup and authentication handshake
// against a real PostgreSQL server: sends the startup message, drives
// whichever auth challenge the server selects (cleartext/MD5/SCRAM-SHA-256),
// and accumulates every message received after AuthenticationOk, up to
// and including ReadyForQuery, as the slot's security_messages (spec
// §4.4.2 step 4) — the challenge frames that precede AuthenticationOk
// are never part of the replay, since a client reusing this slot later
// must not be handed a stale MD5/SASL challenge to answer. Grounded on
// the teacher's authenticatePG, generalized to use the shared protocol
// package instead of an inline frame reader and to record the replay
// sequence pgagroal's slot reuse needs.
func AuthenticateBackend(conn net.Conn, user, password, database string) (BackendAuthResult, error) {
	startupMsg := protocol.BuildStartupMessage(map[string]string{"user": user, "database": database})
	if err := protocol.WriteUntyped(conn, startupMsg[4:]); err != nil {
		return BackendAuthResult{}, fmt.Errorf("sending startup message: %w", err)
	}

	result := BackendAuthResult{Params: make(map[string]string)}
	authenticated := false

	for {
		msg, err := protocol.ReadTyped(conn)
		if err != nil {
			return BackendAuthResult{}, fmt.Errorf("reading backend auth message: %w", err)
		}
		if authenticated {
			result.SecurityMessages = append(result.SecurityMessages, msg.Copy())
		}

		switch msg.Kind {
		case protocol.KindAuthentication:
			if len(msg.Payload) < 4 {
				return BackendAuthResult{}, fmt.Errorf("authentication message too short")
			}
			authType := beUint32(msg.Payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				authenticated = true
				continue
			case 3: // AuthenticationCleartextPassword
				if err := sendPasswordMessage(conn, password); err != nil {
					return BackendAuthResult{}, err
				}
			case 5: // AuthenticationMD5Password
				if len(msg.Payload) < 8 {
					return BackendAuthResult{}, fmt.Errorf("MD5 auth message too short")
				}
				var salt [4]byte
				copy(salt[:], msg.Payload[4:8])
				if err := sendPasswordMessage(conn, MD5Password(password, user, salt)); err != nil {
					return BackendAuthResult{}, err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := ScramBackendAuth(conn, user, password, msg.Payload); err != nil {
					return BackendAuthResult{}, fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return BackendAuthResult{}, fmt.Errorf("unsupported auth type: %d", authType)
			}

		case protocol.KindParameterStatus:
			key, val := protocol.ParseNullTerminatedPair(msg.Payload)
			if key != "" {
				result.Params[key] = val
			}

		case protocol.KindBackendKeyData:
			if len(msg.Payload) >= 8 {
				result.BackendPID = beUint32(msg.Payload[:4])
				result.BackendSecret = beUint32(msg.Payload[4:8])
			}

		case protocol.KindReadyForQuery:
			if len(msg.Payload) >= 1 && msg.Payload[0] == 'I' {
				return result, nil
			}
			return BackendAuthResult{}, fmt.Errorf("unexpected transaction status after auth: %c", msg.Payload[0])

		case protocol.KindErrorResponse:
			return BackendAuthResult{}, fmt.Errorf("backend error during auth: %s", protocol.ErrorMessage(msg.Payload))

		default:
			continue
		}
	}
}

func sendPasswordMessage(conn net.Conn, password string) error {
	payload := append([]byte(password), 0)
	return protocol.WriteTyped(conn, protocol.KindPassword, payload)
}
