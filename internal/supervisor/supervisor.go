// Package supervisor owns the proxy's process lifetime: the client
// listener, the per-connection worker spawn, the periodic pool
// maintenance tasks, and OS signal handling (spec §4.6 "Supervisor").
// Grounded on the teacher's proxy.Server accept loop and
// cmd/dbbouncer/main.go's component wiring and signal loop.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbbouncer/pgagroal/internal/config"
	"github.com/dbbouncer/pgagroal/internal/controlplane"
	"github.com/dbbouncer/pgagroal/internal/metrics"
	"github.com/dbbouncer/pgagroal/internal/pgauth"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/pipeline"
	"github.com/dbbouncer/pgagroal/internal/server"
	"github.com/dbbouncer/pgagroal/internal/worker"
)

// Supervisor ties the configured server table, connection pool, client
// listener, and periodic maintenance loop into one running proxy.
type Supervisor struct {
	cfg        *config.Config
	configPath string

	log *slog.Logger

	servers *server.Table
	pool    *pgpool.Pool
	metrics *metrics.Collector
	cancels *pipeline.CancelRegistry
	control *controlplane.Server

	store     pgauth.UserStore
	tlsConfig *tls.Config

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Supervisor from a loaded configuration. The caller still
// must call Start to bind listeners and begin accepting connections.
func New(cfg *config.Config, configPath string, store pgauth.UserStore, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	entries := make([]*server.Entry, len(cfg.Servers))
	for i, s := range cfg.Servers {
		entries[i] = &server.Entry{Index: i, Name: s.Name, Host: s.Host, Port: s.Port, TLS: s.TLS, Primary: s.Primary}
	}
	serverTable := server.NewTable(entries, cfg.Health.ProbeTimeout, cfg.Health.Interval, log)

	limits, err := cfg.LimitRules()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("resolving limit rules: %w", err)
	}

	m := metrics.New()

	var tlsConfig *tls.Config
	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Warn("failed to load TLS cert/key, TLS disabled", "error", err)
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}
	}

	s := &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		log:        log,
		servers:    serverTable,
		metrics:    m,
		cancels:    pipeline.NewCancelRegistry(),
		store:      store,
		tlsConfig:  tlsConfig,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.pool = pgpool.New(pgpool.Config{
		MaxConnections:   cfg.Listen.MaxProxyConnections,
		AcquireTimeout:   cfg.Defaults.AcquireTimeout,
		IdleTimeout:      cfg.Defaults.IdleTimeout,
		MaxConnectionAge: cfg.Defaults.MaxConnectionAge,
		Dial:             s.dialServer,
		Auth:             pgauth.AuthenticateBackend,
		Credential:       s.credentialFor,
		Limits:           limits,
		Logger:           log,
	})

	s.control = controlplane.NewServer(controlplane.Config{
		Pool:       s.pool,
		Servers:    s.servers,
		ConfigPath: configPath,
		Reload:     s.Reload,
		Shutdown:   s.Shutdown,
		Log:        log,
	})

	return s, nil
}

func (s *Supervisor) dialServer(ctx context.Context, serverIndex int) (net.Conn, error) {
	entry := s.servers.Get(serverIndex)
	if entry == nil {
		return nil, fmt.Errorf("no server entry at index %d", serverIndex)
	}
	d := net.Dialer{Timeout: s.cfg.Defaults.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", entry.Address())
	if err != nil {
		return nil, err
	}
	if entry.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: entry.Host})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", entry.Address(), err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// credentialFor resolves the password the proxy itself presents to the
// backend, distinct from the client-facing credential challenge.
// Supplemented from the original source's "pgagroal.conf" per-server
// credential fields (scenario 7); kept to the matching user store entry
// since no separate backend-credential file is in the expanded scope.
func (s *Supervisor) credentialFor(database, user string) (string, bool) {
	cred, ok := s.store.Lookup(user)
	if !ok || cred.Kind != pgauth.CredentialPlain {
		return "", false
	}
	return cred.PlainPassword, true
}

func (s *Supervisor) pipelineMode() worker.Mode {
	switch s.cfg.Pipeline.Mode {
	case "performance":
		return worker.ModePerformance
	case "session":
		return worker.ModeSession
	default:
		return worker.ModeTransaction
	}
}

// Start binds the client listener and begins accepting connections, the
// server liveness prober, periodic pool maintenance, and the
// control-plane socket.
func (s *Supervisor) Start() error {
	s.servers.Start()

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Listen.PostgresPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("proxy listening", "address", addr, "pipeline", s.cfg.Pipeline.Mode)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop()
	}()

	if err := s.control.Start(s.cfg.Control.UnixSocketDir); err != nil {
		s.log.Warn("control plane socket not started", "error", err)
	}

	s.pool.Prefill(s.ctx)

	return nil
}

func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Pool exposes the running connection pool for the REST/metrics surface.
func (s *Supervisor) Pool() *pgpool.Pool { return s.pool }

// ServerTable exposes the configured server liveness table for the
// REST/metrics surface.
func (s *Supervisor) ServerTable() *server.Table { return s.servers }

func (s *Supervisor) serverAddr(serverIndex int) string {
	e := s.servers.Get(serverIndex)
	if e == nil {
		return ""
	}
	return e.Address()
}

func (s *Supervisor) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	cfg := worker.Config{
		Pool:            s.pool,
		Store:           s.store,
		HBARules:        s.cfg.HBA,
		DatabaseAliases: s.cfg.Aliases,
		TLSConfig:       s.tlsConfig,
		Mode:            s.pipelineMode(),
		Session: pipeline.SessionConfig{
			DiscardOnReturn:   s.cfg.Pipeline.DiscardOnReturn,
			CancelDialTimeout: s.cfg.Pipeline.CancelDialTimeout,
		},
		Cancels:         s.cancels,
		ServerAddr:      s.serverAddr,
		Metrics:         s.metrics,
		CancelTimeout:   s.cfg.Pipeline.CancelDialTimeout,
		DatabaseEnabled: s.control.IsDatabaseEnabled,
		Log:             s.log,
	}
	if err := worker.Handle(s.ctx, conn, remote, cfg); err != nil {
		s.log.Warn("worker error", "remote", remote, "error", err)
	}
}

// maintenanceLoop drives the idle/max-age/validation sweeps and periodic
// Prometheus gauge updates (prefill runs at Start and on SIGUSR1, not
// here), grounded on the teacher's
// health.Checker ticker but generalized to pool-wide maintenance rather
// than only liveness probing.
func (s *Supervisor) maintenanceLoop() {
	ticker := time.NewTicker(s.cfg.Defaults.ValidationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pool.IdleTimeoutSweep()
			s.pool.MaxConnectionAgeSweep()
			s.pool.Validate(s.cfg.Defaults.DialTimeout)
			s.reportStats()
			s.reportServerState()
		}
	}
}

func (s *Supervisor) reportStats() {
	perDatabase := map[string]struct{ active, free, total, waiting int }{}
	for _, slot := range s.pool.Slots() {
		_, database := slot.Identity()
		if database == "" {
			continue
		}
		entry := perDatabase[database]
		entry.total++
		if slot.State() == pgpool.StateInUse {
			entry.active++
		}
		if slot.State() == pgpool.StateFree {
			entry.free++
		}
		perDatabase[database] = entry
	}
	for db, stats := range perDatabase {
		s.metrics.UpdatePoolStats(db, stats.active, stats.free, stats.total, stats.waiting)
	}
}

func (s *Supervisor) reportServerState() {
	for _, e := range s.servers.Entries() {
		switch e.State() {
		case server.StatePrimary:
			s.metrics.SetServerState(e.Name, true, false)
		case server.StateReplica:
			s.metrics.SetServerState(e.Name, false, true)
		default:
			s.metrics.SetServerState(e.Name, false, false)
		}
	}
}

// Reload re-reads the configuration at configPath and replaces the
// supervisor's config, so connections accepted afterwards use the new
// HBA rules and aliases; the pool (with its limit rules) and the server
// table built at Start are kept as they are. It is the handler for both
// SIGHUP and the control plane's "conf reload" verb (spec §4.7).
func (s *Supervisor) Reload() error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	s.cfg = cfg
	s.log.Info("configuration reloaded", "path", s.configPath)
	return nil
}

// Prefill re-runs the pool's floor-filling pass — the handler for
// SIGUSR1 (spec §4.6).
func (s *Supervisor) Prefill() {
	s.pool.Prefill(s.ctx)
}

// Flush runs flush(mode, database) against the running pool.
func (s *Supervisor) Flush(mode pgpool.FlushMode, database string) {
	s.pool.Flush(mode, database)
}

// Shutdown stops accepting new connections and tears down every
// background component. immediate skips waiting for in-flight workers.
func (s *Supervisor) Shutdown(immediate bool) {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.control.Stop()
	s.servers.Stop()
	s.pool.Close()

	if !immediate {
		s.wg.Wait()
	}
	s.log.Info("supervisor stopped")
}

// Run blocks until a termination signal arrives, handling SIGHUP
// (reload), SIGUSR1 (prefill), and SIGINT/SIGTERM (graceful shutdown) —
// grounded on cmd/dbbouncer/main.go's signal loop (spec §4.6).
func (s *Supervisor) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := s.Reload(); err != nil {
				s.log.Error("SIGHUP reload failed", "error", err)
			}
		case syscall.SIGUSR1:
			s.Prefill()
		default:
			s.log.Info("received shutdown signal", "signal", sig.String())
			s.Shutdown(false)
			return
		}
	}
}
