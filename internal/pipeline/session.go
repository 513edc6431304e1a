package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgagroal/internal/evloop"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// SessionConfig tunes the session pipeline's return-time cleanup
// (spec §4.5.2's "DISCARD ALL on return if disconnect = true").
type SessionConfig struct {
	DiscardOnReturn   bool
	CancelDialTimeout time.Duration
}

type cancelKey struct{ pid, secret uint32 }

// CancelRegistry maps a client-visible cancel key to the upstream server
// address it belongs to, so a client CancelRequest on a second connection
// can be translated into a fresh cancel connection to the right server
// (spec §4.5.2). PostgreSQL cancel requests are always sent on a brand
// new connection, never on the live backend socket, so the registry
// tracks addresses, not connections.
type CancelRegistry struct {
	mu      sync.RWMutex
	entries map[cancelKey]string
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{entries: make(map[cancelKey]string)}
}

func (r *CancelRegistry) Register(pid, secret uint32, serverAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cancelKey{pid, secret}] = serverAddr
}

func (r *CancelRegistry) Unregister(pid, secret uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cancelKey{pid, secret})
}

// Forward dials the registered server fresh and sends the CancelRequest
// frame, then closes — exactly how a real PostgreSQL client cancels a
// query on a second connection.
func (r *CancelRegistry) Forward(pid, secret uint32, dialTimeout time.Duration) error {
	r.mu.RLock()
	addr, ok := r.entries[cancelKey{pid, secret}]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pipeline: no backend registered for cancel key %d/%d", pid, secret)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("pipeline: dialing %s for cancel: %w", addr, err)
	}
	defer conn.Close()

	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], protocol.CancelRequestCode)
	binary.BigEndian.PutUint32(payload[4:8], pid)
	binary.BigEndian.PutUint32(payload[8:12], secret)
	return protocol.WriteUntyped(conn, payload)
}

// RunSession drives the session pipeline (spec §4.5.2): performance-pipeline
// relay, plus discarding bytes after Terminate, registering the session's
// cancel key, and issuing DISCARD ALL on a clean return when
// cfg.DiscardOnReturn is set. ParameterStatus frames are relayed to the
// client without being recorded.
func RunSession(ctx context.Context, client net.Conn, slot *pgpool.Slot, cfg SessionConfig, cancels *CancelRegistry, serverAddr string, m Metrics) Result {
	backend := slot.Conn()
	pid, secret := slot.BackendKeyData()
	if cancels != nil {
		cancels.Register(pid, secret, serverAddr)
		defer cancels.Unregister(pid, secret)
	}

	clientW := evloop.NewWatcher(client, 0)
	backendW := evloop.NewWatcher(backend, 0)
	clientW.Start()
	backendW.Start()
	defer clientW.Stop()
	defer backendW.Stop()

	terminated := false

	for {
		select {
		case <-ctx.Done():
			return Result{Code: ExitShutdown, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}

		case ev := <-clientW.Events():
			if ev.Err != nil {
				return Result{Code: ExitClientFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
			}
			if terminated {
				continue // discard unexpected bytes after Terminate
			}
			if err := protocol.WriteTyped(backend, ev.Msg.Kind, ev.Msg.Payload); err != nil {
				return Result{Code: ExitServerFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
			}
			if ev.Msg.Kind == protocol.KindTerminate {
				terminated = true
				clientW.Stop()
				backendW.Stop()
				return finishSession(slot, cfg, m, ExitSuccess)
			}

		case ev := <-backendW.Events():
			if ev.Err != nil {
				return Result{Code: ExitServerFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
			}
			if ev.Msg.Kind == protocol.KindErrorResponse && protocol.IsFatalError(ev.Msg.Payload) {
				protocol.WriteTyped(client, ev.Msg.Kind, ev.Msg.Payload)
				return Result{Code: ExitServerFatal, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
			}
			if err := protocol.WriteTyped(client, ev.Msg.Kind, ev.Msg.Payload); err != nil {
				return Result{Code: ExitClientFailure, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
			}
		}
	}
}

// finishSession optionally resets backend session state before a clean
// return, grounded on the teacher's resetAndReturn.
func finishSession(slot *pgpool.Slot, cfg SessionConfig, m Metrics, code ExitCode) Result {
	if !cfg.DiscardOnReturn {
		return Result{Code: code, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
	}

	backend := slot.Conn()
	_, database := slot.Identity()

	query := append([]byte("DISCARD ALL"), 0)
	if err := protocol.WriteTyped(backend, protocol.KindQuery, query); err != nil {
		if m != nil {
			m.BackendReset(database, false)
		}
		return Result{Code: code, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
	}

	for {
		msg, err := protocol.ReadTyped(backend)
		if err != nil {
			if m != nil {
				m.BackendReset(database, false)
			}
			return Result{Code: code, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
		}
		switch msg.Kind {
		case protocol.KindReadyForQuery:
			if m != nil {
				m.BackendReset(database, true)
			}
			return Result{Code: code, FinalSlot: slot, SlotAuthValid: true, SocketValid: true}
		case protocol.KindErrorResponse:
			if m != nil {
				m.BackendReset(database, false)
			}
			return Result{Code: code, FinalSlot: slot, SlotAuthValid: true, SocketValid: false}
		}
	}
}
