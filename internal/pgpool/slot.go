// Package pgpool implements the fixed-size connection slot array and its
// atomic state machine (spec §3 "Connection slot", §4.3 "Pool"),
// restructured from the teacher's per-tenant pool.TenantPool/Manager
// split into pgagroal's actual model: one shared slot array serving
// every configured (server, database, user) combination, with
// concurrent-connection caps enforced per limit rule rather than per
// tenant. The package starts no goroutine or ticker of its own: the idle,
// max-age and validation sweeps and Prefill run only when a caller
// invokes them, and Reserve does not wait for a slot to come free.
package pgpool

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// State is a slot's atomic lifecycle state (spec §3).
type State int32

const (
	StateNotInit State = iota
	StateInit
	StateFree
	StateInUse
	StateGracefully
	StateFlush
	StateIdleCheck
	StateMaxConnectionAge
	StateValidation
	StateRemove
)

func (s State) String() string {
	switch s {
	case StateNotInit:
		return "NOTINIT"
	case StateInit:
		return "INIT"
	case StateFree:
		return "FREE"
	case StateInUse:
		return "IN_USE"
	case StateGracefully:
		return "GRACEFULLY"
	case StateFlush:
		return "FLUSH"
	case StateIdleCheck:
		return "IDLE_CHECK"
	case StateMaxConnectionAge:
		return "MAX_CONNECTION_AGE"
	case StateValidation:
		return "VALIDATION"
	case StateRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Slot is one entry of the fixed-size connection pool array. All
// mutation of fields other than state happens only by the worker that
// currently owns the slot (holds it in StateInUse) or by the supervisor
// during StateRemove — every ownership transition is a compare-and-swap
// on state (spec §5 "The only synchronisation primitive is the per-slot
// atomic state word").
type Slot struct {
	index int

	state atomic.Int32

	conn   net.Conn
	pid    int64 // worker goroutine identity, 0 when unowned
	server int   // index into the server entry table

	username string
	database string
	appname  string

	startTime time.Time
	timestamp time.Time

	isNew  bool
	txMode bool

	backendPID    uint32
	backendSecret uint32

	// securityMessages is the frozen server-to-client message sequence
	// from this slot's last authentication, replayed verbatim to a
	// client that reuses the slot (spec's "Security messages" glossary
	// entry).
	securityMessages []protocol.Message

	limitRule int
	// counted reports whether limitRule's counter currently reflects
	// this slot as active (IN_USE); Return/Kill consult it to decrement
	// exactly once per reservation, never for slots reaped while FREE.
	counted bool
}

// State returns the slot's current state.
func (s *Slot) State() State { return State(s.state.Load()) }

// cas attempts an atomic transition from `from` to `to`, returning
// whether it succeeded.
func (s *Slot) cas(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// forceState unconditionally sets the state — used at construction, by
// Kill once the slot is isolated under REMOVE, and by pool operations
// finishing a transition they already own (a failed dial back to NOTINIT,
// a passed validation probe back to FREE).
func (s *Slot) forceState(to State) {
	s.state.Store(int32(to))
}

// Index returns the slot's fixed position in the pool array.
func (s *Slot) Index() int { return s.index }

// Conn returns the slot's backend connection.
func (s *Slot) Conn() net.Conn { return s.conn }

// ServerIndex returns the index into the server entry table this slot's
// backend connection belongs to.
func (s *Slot) ServerIndex() int { return s.server }

// Identity returns the (username, database) the slot was last
// authenticated as.
func (s *Slot) Identity() (username, database string) { return s.username, s.database }

// Matches reports whether the slot is currently bound to the given
// (username, database) — used by reserve's reuse-preference scan.
func (s *Slot) Matches(username, database string) bool {
	return s.username == username && s.database == database
}

// SecurityMessages returns the cached post-authentication message
// sequence for replay to a reusing client.
func (s *Slot) SecurityMessages() []protocol.Message { return s.securityMessages }

// BackendKeyData returns the slot's BackendKeyData pair, needed to
// forward a client CancelRequest to the correct backend.
func (s *Slot) BackendKeyData() (pid, secret uint32) { return s.backendPID, s.backendSecret }

// IsTxMode reports whether the slot is currently pinned under the
// transaction pipeline (spec §4.5.3).
func (s *Slot) IsTxMode() bool { return s.txMode }

// SetTxMode flags whether the slot is managed under the transaction
// pipeline; only the owning worker calls this.
func (s *Slot) SetTxMode(v bool) { s.txMode = v }

// Age returns how long the slot has existed since its backend handshake.
func (s *Slot) Age() time.Duration { return time.Since(s.startTime) }

// IdleFor returns how long the slot has sat FREE since its last return.
func (s *Slot) IdleFor() time.Duration { return time.Since(s.timestamp) }
