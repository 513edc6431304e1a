// Package pipeline implements the three worker pipelines spec §4.5
// describes — performance, session, and transaction — plus the
// return-vs-kill decision table a worker applies on exit (§4.5.4).
// Grounded on the teacher's proxy/pg_relay.go (transaction-mode relay:
// sendSyntheticAuthOK, resetAndReturn, cleanupBackend, detectSessionPin)
// and proxy/handler.go's relay() (frame-forwarding shape for the simpler
// performance/session siblings).
package pipeline

import (
	"time"

	"github.com/dbbouncer/pgagroal/internal/pgpool"
)

// ExitCode is the reason a pipeline's run loop stopped (spec §4.5.4).
type ExitCode int

const (
	ExitSuccess ExitCode = iota
	ExitClientFailure
	ExitServerFailure
	ExitServerFatal
	ExitShutdown
	ExitFailover
	ExitFailure
)

func (c ExitCode) String() string {
	switch c {
	case ExitSuccess:
		return "SUCCESS"
	case ExitClientFailure:
		return "CLIENT_FAILURE"
	case ExitServerFailure:
		return "SERVER_FAILURE"
	case ExitServerFatal:
		return "SERVER_FATAL"
	case ExitShutdown:
		return "SHUTDOWN"
	case ExitFailover:
		return "FAILOVER"
	default:
		return "FAILURE"
	}
}

// Action is the return-vs-kill decision a worker applies to the slot it
// was holding when its pipeline exited.
type Action int

const (
	ActionReturn Action = iota
	ActionKill
)

// Result is what a pipeline reports back to the worker on exit.
type Result struct {
	Code ExitCode

	// FinalSlot is the slot held at exit time, or nil if none is held
	// (e.g. a transaction pipeline between transactions, or any pipeline
	// that exited before ever reserving one).
	FinalSlot *pgpool.Slot

	// SlotAuthValid is false only when the worker never completed
	// authentication — a slot in that state never entered IN_USE, so
	// there is nothing meaningful to return.
	SlotAuthValid bool

	// SocketValid is false once the backend socket itself is known bad
	// (write/read error, TLS error) — a valid slot with a broken socket
	// must still be killed.
	SocketValid bool
}

// Decide applies spec §4.5.4's return-vs-kill table.
func Decide(r Result) Action {
	switch r.Code {
	case ExitSuccess, ExitClientFailure:
		return ActionReturn
	case ExitServerFailure, ExitServerFatal, ExitShutdown, ExitFailover:
		return ActionKill
	case ExitFailure:
		if !r.SlotAuthValid {
			return ActionKill
		}
		if r.SocketValid {
			return ActionReturn
		}
		return ActionKill
	default:
		return ActionKill
	}
}

// Apply performs the Decide'd action on the pool, a no-op when the
// pipeline never held a slot at exit.
func Apply(pool *pgpool.Pool, r Result) {
	if r.FinalSlot == nil {
		return
	}
	if Decide(r) == ActionReturn {
		pool.Return(r.FinalSlot, false)
	} else {
		pool.Kill(r.FinalSlot)
	}
}

// Metrics is the subset of instrumentation the pipelines report;
// internal/metrics.Collector implements it. Kept narrow so this package
// doesn't need the full collector's API.
type Metrics interface {
	TransactionCompleted(database string, d time.Duration)
	SessionPinned(database, reason string)
	BackendReset(database string, ok bool)
	DirtyDisconnect(database string)
}
