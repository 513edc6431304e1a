package pipeline

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/dbbouncer/pgagroal/internal/perr"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// RunTransaction drives the transaction pipeline (spec §4.5.3). initialSlot
// is the slot the worker already reserved and authenticated the client
// against (AuthenticationOk/ParameterStatus/BackendKeyData/ReadyForQuery
// already sent) — RunTransaction returns it to the pool immediately, since
// the transaction pipeline never holds a slot while the session is idle.
// A fresh slot is reserved lazily on the first client frame of each
// transaction and returned as soon as the backend reports
// ReadyForQuery('I'). Grounded on the teacher's proxy/pg_relay.go
// relayPGTransactionMode, adapted from pool.TenantPool/PooledConn to
// pgpool.Pool/Slot and from readPGMessage/writePGMessage to
// internal/protocol.
func RunTransaction(ctx context.Context, client net.Conn, pool *pgpool.Pool, username, database string, initialSlot *pgpool.Slot, m Metrics) Result {
	pool.Return(initialSlot, false)

	var slot *pgpool.Slot
	var txnStart time.Time
	pinned := false

	for {
		select {
		case <-ctx.Done():
			if slot != nil {
				pool.Kill(slot)
			}
			return Result{Code: ExitShutdown, SlotAuthValid: true, SocketValid: false}
		default:
		}

		msg, err := protocol.ReadTyped(client)
		if err != nil {
			if slot != nil {
				cleanupBackend(pool, slot, database, m)
			}
			return Result{Code: ExitClientFailure, SlotAuthValid: true, SocketValid: true}
		}

		if msg.Kind == protocol.KindTerminate {
			if slot != nil {
				resetAndReturn(pool, slot, database, m)
			}
			return Result{Code: ExitSuccess, SlotAuthValid: true, SocketValid: true}
		}

		if slot == nil {
			slot, err = pool.Reserve(ctx, username, database, true, true)
			if err != nil {
				protocol.WriteTyped(client, protocol.KindErrorResponse,
					protocol.BuildErrorResponse(perr.SeverityFatal, perr.CodeTooManyConns, "cannot acquire backend connection"))
				return Result{Code: ExitFailure, SlotAuthValid: true, SocketValid: true}
			}
			txnStart = time.Now()
		}
		backend := slot.Conn()

		if !pinned {
			pinned = detectSessionPin(msg.Kind, msg.Payload)
			if pinned {
				if m != nil {
					m.SessionPinned(database, pinReason(msg.Kind, msg.Payload))
				}
			}
		}

		if err := protocol.WriteTyped(backend, msg.Kind, msg.Payload); err != nil {
			pool.Kill(slot)
			return Result{Code: ExitServerFailure, SlotAuthValid: true, SocketValid: false}
		}

		for {
			rmsg, err := protocol.ReadTyped(backend)
			if err != nil {
				pool.Kill(slot)
				return Result{Code: ExitServerFailure, SlotAuthValid: true, SocketValid: false}
			}
			if rmsg.Kind == protocol.KindErrorResponse && protocol.IsFatalError(rmsg.Payload) {
				protocol.WriteTyped(client, rmsg.Kind, rmsg.Payload)
				pool.Kill(slot)
				return Result{Code: ExitServerFatal, SlotAuthValid: true, SocketValid: false}
			}
			if err := protocol.WriteTyped(client, rmsg.Kind, rmsg.Payload); err != nil {
				cleanupBackend(pool, slot, database, m)
				return Result{Code: ExitClientFailure, SlotAuthValid: true, SocketValid: true}
			}

			if rmsg.Kind == protocol.KindReadyForQuery {
				if len(rmsg.Payload) >= 1 && rmsg.Payload[0] == 'I' && !pinned {
					if m != nil && !txnStart.IsZero() {
						m.TransactionCompleted(database, time.Since(txnStart))
					}
					resetAndReturn(pool, slot, database, m)
					slot = nil
					txnStart = time.Time{}
				}
				break
			}
		}
	}
}

// resetAndReturn issues DISCARD ALL on the backend before returning the
// slot to the pool; a failed reset kills the slot instead.
func resetAndReturn(pool *pgpool.Pool, slot *pgpool.Slot, database string, m Metrics) {
	conn := slot.Conn()
	query := append([]byte("DISCARD ALL"), 0)
	if err := protocol.WriteTyped(conn, protocol.KindQuery, query); err != nil {
		if m != nil {
			m.BackendReset(database, false)
		}
		pool.Kill(slot)
		return
	}
	for {
		msg, err := protocol.ReadTyped(conn)
		if err != nil {
			if m != nil {
				m.BackendReset(database, false)
			}
			pool.Kill(slot)
			return
		}
		switch msg.Kind {
		case protocol.KindReadyForQuery:
			if len(msg.Payload) >= 1 && msg.Payload[0] == 'I' {
				if m != nil {
					m.BackendReset(database, true)
				}
				pool.Return(slot, false)
				return
			}
			if m != nil {
				m.BackendReset(database, false)
			}
			pool.Kill(slot)
			return
		case protocol.KindErrorResponse:
			if m != nil {
				m.BackendReset(database, false)
			}
			pool.Kill(slot)
			return
		}
	}
}

// cleanupBackend handles a dirty client disconnect mid-transaction:
// attempt ROLLBACK, then DISCARD ALL-and-return.
func cleanupBackend(pool *pgpool.Pool, slot *pgpool.Slot, database string, m Metrics) {
	if m != nil {
		m.DirtyDisconnect(database)
	}
	conn := slot.Conn()
	rollback := append([]byte("ROLLBACK"), 0)
	if err := protocol.WriteTyped(conn, protocol.KindQuery, rollback); err != nil {
		pool.Kill(slot)
		return
	}
	for {
		msg, err := protocol.ReadTyped(conn)
		if err != nil {
			pool.Kill(slot)
			return
		}
		if msg.Kind == protocol.KindReadyForQuery {
			break
		}
	}
	resetAndReturn(pool, slot, database, m)
}

// detectSessionPin reports whether a client frame requires pinning the
// session to one backend for the rest of its lifetime — a named prepared
// statement or LISTEN/NOTIFY, neither of which survives a transaction
// pipeline's backend-swapping between transactions.
func detectSessionPin(kind byte, payload []byte) bool {
	if kind == protocol.KindParse && len(payload) > 0 && payload[0] != 0 {
		return true
	}
	if kind == protocol.KindQuery && len(payload) > 0 {
		query := strings.ToUpper(strings.TrimSpace(string(payload[:len(payload)-1])))
		if strings.HasPrefix(query, "LISTEN") || strings.HasPrefix(query, "NOTIFY") {
			return true
		}
	}
	return false
}

func pinReason(kind byte, payload []byte) string {
	if kind == protocol.KindParse {
		return "named prepared statement"
	}
	if kind == protocol.KindQuery && len(payload) > 0 {
		query := strings.TrimSpace(string(payload[:len(payload)-1]))
		words := strings.Fields(query)
		if len(words) > 0 {
			return strings.ToLower(words[0]) + " command"
		}
	}
	return "unknown"
}
