// Package server holds the configured upstream server table and a
// liveness prober generalized from the teacher's per-tenant
// health.Checker into per-server status tracking (spec §3 "Server
// entry"). Liveness is modeled with a circuit breaker per server
// instead of a bare consecutive-failure counter, so a flapping backend
// trips open and stays FAILED for a cooldown window rather than
// bouncing PRIMARY/FAILED on every probe.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// LivenessState is a server entry's liveness (spec §3 "Server entry").
type LivenessState int

const (
	StateNotInit LivenessState = iota
	StatePrimary
	StateReplica
	StateFailover
	StateFailed
)

func (s LivenessState) String() string {
	switch s {
	case StatePrimary:
		return "PRIMARY"
	case StateReplica:
		return "REPLICA"
	case StateFailover:
		return "FAILOVER"
	case StateFailed:
		return "FAILED"
	default:
		return "NOTINIT"
	}
}

// Entry is one configured upstream server.
type Entry struct {
	Index int
	Name  string
	Host  string
	Port  int
	TLS   bool
	// Primary marks the entry expected to be the read/write leader; a
	// successful probe reports PRIMARY for it and REPLICA for every other
	// entry. The probe does not check whether the server accepts writes.
	Primary bool

	mu      sync.RWMutex
	state   LivenessState
	breaker *gobreaker.CircuitBreaker
}

func (e *Entry) Address() string { return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port)) }

// State returns the entry's current liveness.
func (e *Entry) State() LivenessState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Entry) setState(s LivenessState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Table is the configured set of upstream servers and their liveness,
// generalized from the teacher's per-tenant health.Checker to per-server
// probing independent of any particular (database, user) pool.
type Table struct {
	entries []*Entry

	probeTimeout time.Duration
	interval     time.Duration
	log          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTable builds a Table and a gobreaker.CircuitBreaker per entry — the
// breaker trips to StateFailed after 3 consecutive probe failures and
// half-opens after three probe intervals to retry.
func NewTable(entries []*Entry, probeTimeout, interval time.Duration, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{entries: entries, probeTimeout: probeTimeout, interval: interval, log: log, stopCh: make(chan struct{})}
	for _, e := range entries {
		name := e.Name
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     interval * 3,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("server liveness breaker state change", "server", name, "from", from, "to", to)
			},
		})
		e.state = StateNotInit
	}
	return t
}

// Entries exposes the server table read-only.
func (t *Table) Entries() []*Entry { return t.entries }

// Get returns the entry at index, or nil if out of range.
func (t *Table) Get(index int) *Entry {
	if index < 0 || index >= len(t.entries) {
		return nil
	}
	return t.entries[index]
}

// Start launches the periodic prober, grounded on the teacher's
// Checker.run ticker loop.
func (t *Table) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.probeAll()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.probeAll()
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the prober. Safe to call multiple times.
func (t *Table) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Table) probeAll() {
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, e := range t.entries {
		e := e
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			t.probeOne(e)
		}()
	}
	wg.Wait()
}

func (t *Table) probeOne(e *Entry) {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, pingPostgres(e.Address(), t.probeTimeout)
	})

	switch {
	case err == nil:
		if e.Primary {
			e.setState(StatePrimary)
		} else {
			e.setState(StateReplica)
		}
	case err == gobreaker.ErrOpenState, err == gobreaker.ErrTooManyRequests:
		e.setState(StateFailed)
	default:
		if e.State() != StateFailed {
			e.setState(StateFailover)
		}
		t.log.Warn("server probe failed", "server", e.Name, "error", err)
	}
}

// pingPostgres sends a minimal startup message and requires any
// response from the server, the same reachability signal the teacher's
// health.Checker.pingPostgres uses.
func pingPostgres(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	startup := protocol.BuildStartupMessage(map[string]string{"user": "pgagroal_probe"})
	if err := protocol.WriteUntyped(conn, startup[4:]); err != nil {
		return fmt.Errorf("write startup: %w", err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

// IsAvailable reports whether a server entry can currently accept new
// backend connections.
func (e *Entry) IsAvailable() bool {
	switch e.State() {
	case StatePrimary, StateReplica:
		return true
	default:
		return false
	}
}
