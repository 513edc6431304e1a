package pgpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dbbouncer/pgagroal/internal/pgauth"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// ErrPoolFull is returned by Reserve when every limit rule matching the
// requested identity is already at its cap (spec "Pool-full").
var ErrPoolFull = fmt.Errorf("pgpool: pool full")

// DialFunc opens a fresh TCP (or TLS) connection to the upstream server
// at the given index.
type DialFunc func(ctx context.Context, serverIndex int) (net.Conn, error)

// AuthFunc performs the backend-facing authentication handshake on a
// freshly dialed connection (internal/pgauth.AuthenticateBackend).
type AuthFunc func(conn net.Conn, user, password, database string) (pgauth.BackendAuthResult, error)

// CredentialLookup resolves the password this proxy presents to the
// backend for (database, user) — distinct from the credential the
// client-facing authenticator challenges the client with.
type CredentialLookup func(database, user string) (password string, ok bool)

// LimitRule is a configured cap on concurrent IN_USE slots for a
// (database, user) pattern (spec §3 "Limit rule"). "all" matches any
// value, mirroring the HBA rule wildcard convention.
type LimitRule struct {
	Database    string
	User        string
	Min         int
	Max         int
	ServerIndex int // which configured server entry backs this rule

	counter int64 // accessed only via sync/atomic helpers below
}

func (r *LimitRule) matches(database, user string) bool {
	return (r.Database == "all" || r.Database == database) && (r.User == "all" || r.User == user)
}

// Pool is the fixed-size shared connection slot array serving every
// configured (server, database, user) combination — pgagroal's actual
// model, as opposed to the teacher's one-pool-per-tenant split. Slot
// ownership transitions are per-slot atomic CAS; the mutex here guards
// only the condition variable that Return and Kill broadcast on. Reserve
// never waits on it: when no slot can be claimed or dialed it returns an
// error at once.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots  []*Slot
	limits []*LimitRule

	dial       DialFunc
	auth       AuthFunc
	credential CredentialLookup

	acquireTimeout   time.Duration
	idleTimeout      time.Duration
	maxConnectionAge time.Duration

	log *slog.Logger

	closed bool
	stopCh chan struct{}
}

// Config bundles the parameters New needs.
type Config struct {
	MaxConnections   int
	AcquireTimeout   time.Duration
	IdleTimeout      time.Duration
	MaxConnectionAge time.Duration
	Dial             DialFunc
	Auth             AuthFunc
	Credential       CredentialLookup
	Limits           []*LimitRule
	Logger           *slog.Logger
}

// New builds a Pool with all slots in NOTINIT, ready for Prefill or
// lazy reservation.
func New(cfg Config) *Pool {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		slots:            make([]*Slot, cfg.MaxConnections),
		limits:           cfg.Limits,
		dial:             cfg.Dial,
		auth:             cfg.Auth,
		credential:       cfg.Credential,
		acquireTimeout:   cfg.AcquireTimeout,
		idleTimeout:      cfg.IdleTimeout,
		maxConnectionAge: cfg.MaxConnectionAge,
		log:              log,
		stopCh:           make(chan struct{}),
	}
	for i := range p.slots {
		s := &Slot{index: i}
		s.forceState(StateNotInit)
		p.slots[i] = s
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// limitFor returns the first matching limit rule (first-match-wins,
// per Open Question §7.3) for an identity, or nil if none configured.
func (p *Pool) limitFor(database, user string) *LimitRule {
	for _, r := range p.limits {
		if r.matches(database, user) {
			return r
		}
	}
	return nil
}

// Reserve walks the slot array looking for a usable slot, following
// spec §4.3's reserve(username, database, reuse, transaction) contract.
// When reuse is true, a slot already bound to (username, database) is
// preferred; otherwise the first FREE slot is taken and re-authenticated
// via replayed security_messages. If no slot is free, a fresh backend is
// dialed, subject to the matching limit rule's cap.
func (p *Pool) Reserve(ctx context.Context, username, database string, reuse, transaction bool) (*Slot, error) {
	if s := p.TryClaimExisting(username, database, reuse); s != nil {
		s.SetTxMode(transaction)
		return s, nil
	}

	rule := p.limitFor(database, username)
	ruleIdx := indexOfRule(p.limits, rule)

	if rule != nil && !incrementWithCap(&rule.counter, int64(rule.Max)) {
		return nil, ErrPoolFull
	}

	s, err := p.claimNotInit()
	if err != nil {
		if rule != nil {
			decrement(&rule.counter)
		}
		return nil, err
	}
	if rule != nil {
		s.server = rule.ServerIndex
	}

	if err := p.dialAndAuth(ctx, s, username, database); err != nil {
		s.forceState(StateNotInit)
		if rule != nil {
			decrement(&rule.counter)
		}
		return nil, err
	}
	s.SetTxMode(transaction)
	s.limitRule = ruleIdx
	s.counted = rule != nil
	return s, nil
}

// TryClaimExisting claims an already-live slot without ever dialing a
// fresh backend — the reuse/any-free paths of reserve. Callers that need
// to authenticate the client against local credentials before ever
// touching a backend (spec §7: "slot never entered IN_USE" on an
// authentication error) call this first; a nil result means no slot is
// available without a fresh dial, so the caller should challenge the
// client locally before calling Reserve to force the dial path.
func (p *Pool) TryClaimExisting(username, database string, reuse bool) *Slot {
	rule := p.limitFor(database, username)
	ruleIdx := indexOfRule(p.limits, rule)

	// A slot already FREE was previously counted as active and had its
	// count released on return; reclaiming it re-enters IN_USE without
	// re-checking the cap, matching "enforces the matching limit rule
	// before creating a fresh backend" (only the fresh-dial path is
	// cap-checked).
	if reuse {
		if s := p.claimMatching(username, database); s != nil {
			if rule != nil {
				atomicIncrement(&rule.counter)
			}
			s.limitRule = ruleIdx
			s.counted = rule != nil
			return s
		}
	}
	if s := p.claimAnyFree(); s != nil {
		if rule != nil {
			atomicIncrement(&rule.counter)
		}
		s.limitRule = ruleIdx
		s.counted = rule != nil
		return s
	}
	return nil
}

// claimMatching scans ascending for a FREE slot already bound to
// (username, database), CAS'ing it to IN_USE.
func (p *Pool) claimMatching(username, database string) *Slot {
	for _, s := range p.slots {
		if s.State() != StateFree || !s.Matches(username, database) {
			continue
		}
		if s.cas(StateFree, StateInUse) {
			return s
		}
	}
	return nil
}

// claimAnyFree scans ascending for any FREE slot, CAS'ing it to IN_USE.
// Per spec, reusing a slot bound to a different identity requires
// re-authentication via replayed security_messages rather than a fresh
// backend dial — the caller (worker) is responsible for replaying them
// to the client; the backend connection itself is already live.
func (p *Pool) claimAnyFree() *Slot {
	for _, s := range p.slots {
		if s.State() == StateFree && s.cas(StateFree, StateInUse) {
			return s
		}
	}
	return nil
}

// claimNotInit finds a NOTINIT slot and moves it to INIT, ready for a
// fresh dial+auth.
func (p *Pool) claimNotInit() (*Slot, error) {
	for _, s := range p.slots {
		if s.State() == StateNotInit && s.cas(StateNotInit, StateInit) {
			return s, nil
		}
	}
	return nil, ErrPoolFull
}

func (p *Pool) dialAndAuth(ctx context.Context, s *Slot, username, database string) error {
	conn, err := p.dial(ctx, s.server)
	if err != nil {
		return fmt.Errorf("dialing backend: %w", err)
	}
	password, _ := p.credential(database, username)
	result, err := p.auth(conn, username, password, database)
	if err != nil {
		conn.Close()
		return fmt.Errorf("backend authentication: %w", err)
	}

	s.conn = conn
	s.username = username
	s.database = database
	s.startTime = time.Now()
	s.timestamp = time.Now()
	s.isNew = true
	s.backendPID = result.BackendPID
	s.backendSecret = result.BackendSecret
	s.securityMessages = result.SecurityMessages

	if !s.cas(StateInit, StateInUse) {
		conn.Close()
		return fmt.Errorf("slot %d changed state unexpectedly during dial", s.index)
	}
	return nil
}

// Return releases a slot back to FREE (spec §4.3 "return"). If
// invalid reports the backend connection is no longer usable (e.g. a
// mid-transaction abort detected by the pipeline), Return escalates to
// Kill instead.
func (p *Pool) Return(s *Slot, invalid bool) {
	if invalid {
		p.Kill(s)
		return
	}
	if s.State() == StateGracefully {
		p.Kill(s)
		return
	}
	s.timestamp = time.Now()
	s.isNew = false
	if !s.cas(StateInUse, StateFree) {
		// Owning transition must come from IN_USE; if it doesn't, the
		// slot was concurrently marked GRACEFULLY or FLUSH — honor kill.
		p.Kill(s)
		return
	}
	if s.counted && s.limitRule >= 0 && s.limitRule < len(p.limits) {
		decrement(&p.limits[s.limitRule].counter)
		s.counted = false
	}
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Kill destroys a slot's backend connection and resets it to NOTINIT
// (spec §4.3 "kill").
func (p *Pool) Kill(s *Slot) {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.counted && s.limitRule >= 0 && s.limitRule < len(p.limits) {
		decrement(&p.limits[s.limitRule].counter)
	}
	s.conn = nil
	s.username = ""
	s.database = ""
	s.appname = ""
	s.securityMessages = nil
	s.backendPID = 0
	s.backendSecret = 0
	s.limitRule = -1
	s.counted = false
	s.state.Store(int32(StateRemove))
	s.forceState(StateNotInit)

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Validate scans FREE slots and issues a no-op EmptyQuery probe under a
// short timeout, killing any slot that fails to answer (spec §4.3
// "validate").
func (p *Pool) Validate(timeout time.Duration) {
	for _, s := range p.slots {
		if s.State() != StateFree || !s.cas(StateFree, StateValidation) {
			continue
		}
		if err := probeEmptyQuery(s.conn, timeout); err != nil {
			p.log.Warn("slot failed validation probe", "slot", s.index, "error", err)
			p.Kill(s)
			continue
		}
		s.timestamp = time.Now()
		s.forceState(StateFree)
	}
}

// IdleTimeoutSweep kills every FREE slot idle longer than the configured
// ceiling (spec §4.3 "idle_timeout").
func (p *Pool) IdleTimeoutSweep() {
	if p.idleTimeout <= 0 {
		return
	}
	for _, s := range p.slots {
		if s.State() != StateFree || s.IdleFor() < p.idleTimeout {
			continue
		}
		if !s.cas(StateFree, StateIdleCheck) {
			continue
		}
		p.Kill(s)
	}
}

// MaxConnectionAgeSweep kills every slot older than the configured
// ceiling, whether FREE or IN_USE-bound-for-GRACEFULLY (spec §4.3
// "MAX_CONNECTION_AGE").
func (p *Pool) MaxConnectionAgeSweep() {
	if p.maxConnectionAge <= 0 {
		return
	}
	for _, s := range p.slots {
		if s.Age() < p.maxConnectionAge {
			continue
		}
		switch s.State() {
		case StateFree:
			if s.cas(StateFree, StateMaxConnectionAge) {
				p.Kill(s)
			}
		case StateInUse:
			s.cas(StateInUse, StateGracefully)
		}
	}
}

// FlushMode selects flush's behaviour (spec §4.3 "flush").
type FlushMode int

const (
	FlushIdle FlushMode = iota
	FlushGraceful
	FlushAll
)

// Flush implements flush(mode, database) (spec §4.3). IDLE kills every
// FREE matching slot; GRACEFUL marks matching IN_USE slots GRACEFULLY
// so the owning worker kills on return; ALL combines both.
func (p *Pool) Flush(mode FlushMode, database string) {
	matchDB := func(s *Slot) bool { return database == "" || database == "all" || s.database == database }

	if mode == FlushIdle || mode == FlushAll {
		for _, s := range p.slots {
			if s.State() == StateFree && matchDB(s) && s.cas(StateFree, StateFlush) {
				p.Kill(s)
			}
		}
	}
	if mode == FlushGraceful || mode == FlushAll {
		for _, s := range p.slots {
			if s.State() == StateInUse && matchDB(s) {
				s.cas(StateInUse, StateGracefully)
			}
		}
	}
}

// Prefill opens backends up to each limit rule's configured floor,
// authenticating each with its stored credential and marking it FREE on
// success (spec §4.3 "prefill"). Rules are walked in declaration order,
// first-match-wins for any slot whose identity could satisfy more than
// one rule (Open Question §7.3).
func (p *Pool) Prefill(ctx context.Context) {
	for ri, rule := range p.limits {
		for i := 0; i < rule.Min; i++ {
			s, err := p.claimNotInit()
			if err != nil {
				p.log.Warn("prefill: no free slot available", "database", rule.Database, "user", rule.User)
				return
			}
			s.server = rule.ServerIndex
			if err := p.prefillDial(ctx, s, rule.User, rule.Database); err != nil {
				p.log.Warn("prefill: dial/auth failed after retries", "database", rule.Database, "user", rule.User, "error", err)
				s.forceState(StateNotInit)
				continue
			}
			// Prefilled slots land FREE, not IN_USE — the active
			// counter only tracks IN_USE slots (spec §5's active/limit
			// invariant), so it is left untouched here and only moves
			// when a later Reserve claims this slot.
			s.limitRule = ri
			if !s.cas(StateInUse, StateFree) {
				p.log.Warn("prefill: unexpected slot state after dial", "slot", s.index)
			}
		}
	}
}

// prefillDial retries a failed dial/auth with exponential backoff —
// Prefill runs at startup and on SIGUSR1, when a backend that is merely
// slow to accept connections (not actually down) shouldn't cost a slot
// a full retry-less failure.
func (p *Pool) prefillDial(ctx context.Context, s *Slot, username, database string) error {
	b := retry.NewExponential(50 * time.Millisecond)
	b = retry.WithMaxRetries(3, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := p.dialAndAuth(ctx, s, username, database); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Close stops background activity and kills every slot.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	for _, s := range p.slots {
		if s.State() != StateNotInit {
			p.Kill(s)
		}
	}
}

// Slots exposes the slot array read-only, for status reporting.
func (p *Pool) Slots() []*Slot { return p.slots }

// Limits exposes the configured limit rules read-only, for status
// reporting.
func (p *Pool) Limits() []*LimitRule { return p.limits }

func probeEmptyQuery(conn net.Conn, timeout time.Duration) error {
	if err := protocol.WriteTyped(conn, protocol.KindQuery, []byte{0}); err != nil {
		return fmt.Errorf("sending probe query: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := protocol.ReadTypedTimeout(conn, timeout)
		if err != nil {
			return err
		}
		if msg.Kind == protocol.KindReadyForQuery {
			return nil
		}
		if msg.Kind == protocol.KindErrorResponse {
			return fmt.Errorf("probe error response: %s", protocol.ErrorMessage(msg.Payload))
		}
	}
	return fmt.Errorf("probe timed out")
}

func indexOfRule(rules []*LimitRule, target *LimitRule) int {
	for i, r := range rules {
		if r == target {
			return i
		}
	}
	return -1
}
