// Package protocol frames PostgreSQL v3 frontend/backend messages: an
// optional one-byte kind, a 32-bit big-endian length (inclusive of itself,
// exclusive of the kind byte), and a payload. It is used identically on
// the client-facing and backend-facing sides of the proxy.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// Untyped startup-phase frames are recognised by magic protocol numbers
// rather than a kind byte.
const (
	StartupProtocolVersion = 3 << 16 // protocol 3.0
	SSLRequestCode         = 80877103
	CancelRequestCode      = 80877102
)

// Message kinds used throughout the proxy. Not exhaustive — only the ones
// the pipelines and authenticator inspect.
const (
	KindAuthentication  byte = 'R'
	KindErrorResponse   byte = 'E'
	KindNoticeResponse  byte = 'N'
	KindReadyForQuery   byte = 'Z'
	KindTerminate       byte = 'X'
	KindQuery           byte = 'Q'
	KindParse           byte = 'P'
	KindParameterStatus byte = 'S'
	KindBackendKeyData  byte = 'K'
	KindPassword        byte = 'p'
	KindEmptyQuery      byte = 'I' // EmptyQueryResponse, also reused as RFQ status byte elsewhere
)

// MaxMessageSize bounds payload length to guard against a corrupt or
// hostile length prefix; PostgreSQL itself never sends frames anywhere
// near this size in the authentication/control paths this proxy parses.
const MaxMessageSize = 1 << 24

// Message is one framed protocol message. Kind is 0 for untyped
// startup/SSLRequest/CancelRequest frames. Payload does not include the
// kind byte or the length prefix.
type Message struct {
	Kind    byte
	Payload []byte
}

// ErrMessageTooLarge is returned when a declared length exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")

// ErrWouldBlock is returned by ReadNonBlocking when no complete frame is
// available yet without blocking the caller.
var ErrWouldBlock = errors.New("protocol: read would block")

// ReadTyped reads one typed message (kind byte + length + payload).
// Returns io.EOF (possibly wrapped) if the peer closed the connection in
// an orderly way before any bytes of a new message arrived.
func ReadTyped(r io.Reader) (Message, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return Message{}, err
	}
	payload, err := readLengthPrefixed(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kindBuf[0], Payload: payload}, nil
}

// ReadUntyped reads one untyped frame (length + payload only), used for
// the startup message, SSLRequest, and CancelRequest.
func ReadUntyped(r io.Reader) (Message, error) {
	payload, err := readLengthPrefixed(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: 0, Payload: payload}, nil
}

// readLengthPrefixed reads a 4-byte big-endian length (inclusive of
// itself) followed by length-4 bytes of payload.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	if n < 0 || n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadTypedTimeout reads one typed message, failing with a timeout error
// if no complete message arrives within d. Every blocking read in the
// client-facing authenticator uses this (spec §5 "Cancellation and
// timeouts"); the backend-facing exchange (AuthenticateBackend,
// ScramBackendAuth) reads with ReadTyped and sets no deadline.
func ReadTypedTimeout(conn net.Conn, d time.Duration) (Message, error) {
	if d > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return Message{}, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	return ReadTyped(conn)
}

// ReadNonBlocking attempts to read one typed message without blocking.
// It is used by periodic-watcher-driven polling paths; most of this
// proxy instead relies on a dedicated goroutine per direction, which is
// why this is rarely reached for real I/O but is kept to satisfy the
// event loop's readiness-style contract (spec §4.1).
func ReadNonBlocking(conn net.Conn) (Message, error) {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return Message{}, err
	}
	defer conn.SetReadDeadline(time.Time{})
	msg, err := ReadTyped(conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Message{}, ErrWouldBlock
		}
		return Message{}, err
	}
	return msg, nil
}

// WriteTyped writes one typed message as a single frame buffer, handed
// to writeAll so a short write is retried until the whole frame is sent
// or an error occurs.
func WriteTyped(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	return writeAll(w, buf)
}

// WriteUntyped writes one untyped frame (used for the startup message,
// SSLRequest and CancelRequest replies).
func WriteUntyped(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+4))
	copy(buf[4:], payload)
	return writeAll(w, buf)
}

// writeAll retries partial writes until the whole frame is flushed or an
// error is raised — the frame-atomicity guarantee spec §4.2 requires.
func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Copy returns a deep copy of the message. Pipelines that relay a frame
// unmodified forward the buffer they read (no copy); Copy exists only
// for the few call sites that must stash a frame for later use, e.g.
// AuthenticateBackend keeping each post-AuthenticationOk frame as a
// slot's security_messages.
func (m Message) Copy() Message {
	p := make([]byte, len(m.Payload))
	copy(p, m.Payload)
	return Message{Kind: m.Kind, Payload: p}
}

// IsOrderlyClose reports whether err represents the peer closing the
// connection cleanly rather than a genuine transport failure.
func IsOrderlyClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
