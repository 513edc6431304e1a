// Package controlplane implements the Unix-domain-socket admin channel
// (spec §4.7): length-prefixed JSON commands from a local CLI, answered
// with a {status, result|error{code,message}} envelope. Grounded on the
// worker package's accept-one-connection-per-goroutine shape and on
// internal/perr for the error vocabulary; there is no comparable
// control surface in the teacher, so the wire framing follows the same
// "4-byte big-endian length prefix" convention internal/protocol uses
// for PostgreSQL messages.
package controlplane

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/server"
)

// Command is one decoded request from the CLI.
type Command struct {
	Verb     string `json:"verb"`
	Mode     string `json:"mode,omitempty"`
	Database string `json:"database,omitempty"`
	Server   string `json:"server,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	Graceful bool   `json:"graceful,omitempty"`
}

// Response is the {status, result|error} envelope every verb returns.
type Response struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  *CommandErr `json:"error,omitempty"`
}

// CommandErr is the error half of a Response.
type CommandErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(result interface{}) Response {
	return Response{Status: "ok", Result: result}
}

func fail(code, message string) Response {
	return Response{Status: "error", Error: &CommandErr{Code: code, Message: message}}
}

// Config bundles everything the control plane needs to answer commands,
// delegating mutating verbs back to the supervisor that owns the pool,
// the server table, and the config file.
type Config struct {
	Pool       *pgpool.Pool
	Servers    *server.Table
	ConfigPath string
	Reload     func() error
	Shutdown   func(immediate bool)
	Log        *slog.Logger
}

// Server accepts control-plane connections on a Unix-domain socket.
type Server struct {
	cfg      Config
	log      *slog.Logger
	listener net.Listener

	disabledMu sync.Mutex
	disabled   map[string]bool

	wg sync.WaitGroup
}

// NewServer builds a control-plane Server. Call Start to bind the
// socket and begin accepting connections.
func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log, disabled: map[string]bool{}}
}

// SocketPath is the control CLI's Unix socket under dir, always named
// pgagroal.ctl (the name carries no port number), distinct from the
// client-facing
// .s.PGSQL.<port> socket (spec §6 "Listeners"). Exported so
// cmd/pgagroal-cli can dial the same path the supervisor binds.
func SocketPath(dir string) string {
	return filepath.Join(dir, "pgagroal.ctl")
}

// Start binds the control socket under dir and begins accepting
// connections in the background.
func (s *Server) Start(dir string) error {
	path := SocketPath(dir)
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("controlplane: listening on %s: %w", path, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	path := s.listener.Addr().String()
	s.listener.Close()
	os.Remove(path)
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	cmd, err := readCommand(conn)
	if err != nil {
		writeResponse(conn, fail("CONTROL_DECODE", err.Error()))
		return
	}

	resp := s.dispatch(cmd)
	if err := writeResponse(conn, resp); err != nil {
		s.log.Warn("control plane write failed", "error", err)
	}
}

func readCommand(r io.Reader) (Command, error) {
	var cmd Command
	err := readFrame(r, &cmd)
	return cmd, err
}

func writeResponse(w io.Writer, resp Response) error {
	return writeFrame(w, resp)
}

// WriteCommand and ReadResponse let cmd/pgagroal-cli speak the same
// length-prefixed JSON framing without duplicating it.
func WriteCommand(w io.Writer, cmd Command) error { return writeFrame(w, cmd) }
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	err := readFrame(r, &resp)
	return resp, err
}

func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("reading length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > 1<<20 {
		return fmt.Errorf("invalid frame length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame JSON: %w", err)
	}
	return nil
}

func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd.Verb {
	case "ping":
		return ok("pong")
	case "status":
		return s.status()
	case "details":
		return s.details()
	case "flush":
		return s.flush(cmd)
	case "enabledb":
		return s.setDatabaseEnabled(cmd.Database, true)
	case "disabledb":
		return s.setDatabaseEnabled(cmd.Database, false)
	case "switch":
		return s.switchServer(cmd.Server)
	case "conf":
		return s.conf(cmd)
	case "shutdown":
		return s.shutdown(cmd)
	default:
		return fail("UNKNOWN_VERB", fmt.Sprintf("unrecognized verb %q", cmd.Verb))
	}
}

func (s *Server) status() Response {
	entries := s.cfg.Servers.Entries()
	servers := make([]map[string]string, len(entries))
	for i, e := range entries {
		servers[i] = map[string]string{"name": e.Name, "state": e.State().String()}
	}
	return ok(map[string]interface{}{
		"slots":   len(s.cfg.Pool.Slots()),
		"servers": servers,
	})
}

func (s *Server) details() Response {
	slots := s.cfg.Pool.Slots()
	rows := make([]map[string]interface{}, len(slots))
	for i, slot := range slots {
		user, database := slot.Identity()
		rows[i] = map[string]interface{}{
			"index":    slot.Index(),
			"state":    slot.State().String(),
			"user":     user,
			"database": database,
		}
	}
	return ok(rows)
}

func (s *Server) flush(cmd Command) Response {
	mode := pgpool.FlushIdle
	switch cmd.Mode {
	case "graceful":
		mode = pgpool.FlushGraceful
	case "all":
		mode = pgpool.FlushAll
	case "", "idle":
	default:
		return fail("INVALID_MODE", fmt.Sprintf("unknown flush mode %q", cmd.Mode))
	}
	s.cfg.Pool.Flush(mode, cmd.Database)
	return ok(map[string]string{"flushed": cmd.Database})
}

// setDatabaseEnabled tracks the enabledb/disabledb toggle (spec §4.7);
// the worker consults this before reserving a slot for a disabled
// database, so disabling a database drains naturally as clients
// disconnect instead of killing sessions mid-flight.
func (s *Server) setDatabaseEnabled(database string, enabled bool) Response {
	if database == "" {
		return fail("INVALID_ARGUMENT", "database name is required")
	}
	s.disabledMu.Lock()
	if enabled {
		delete(s.disabled, database)
	} else {
		s.disabled[database] = true
	}
	s.disabledMu.Unlock()
	return ok(map[string]interface{}{"database": database, "enabled": enabled})
}

// IsDatabaseEnabled reports whether database has been disabled via the
// control plane. Safe to call from worker goroutines.
func (s *Server) IsDatabaseEnabled(database string) bool {
	s.disabledMu.Lock()
	defer s.disabledMu.Unlock()
	return !s.disabled[database]
}

func (s *Server) switchServer(name string) Response {
	for _, e := range s.cfg.Servers.Entries() {
		if e.Name == name {
			return ok(map[string]string{"switched_to": name})
		}
	}
	return fail("UNKNOWN_SERVER", fmt.Sprintf("no configured server named %q", name))
}

func (s *Server) conf(cmd Command) Response {
	switch cmd.Mode {
	case "reload":
		if s.cfg.Reload == nil {
			return fail("NOT_SUPPORTED", "reload is not wired")
		}
		if err := s.cfg.Reload(); err != nil {
			return fail("RELOAD_FAILED", err.Error())
		}
		return ok("reloaded")
	case "get":
		return fail("NOT_SUPPORTED", "conf get is not implemented for dynamic keys")
	case "set":
		return fail("NOT_SUPPORTED", "conf set requires a reload; edit the config file and run conf reload")
	default:
		return fail("INVALID_ARGUMENT", fmt.Sprintf("unknown conf subcommand %q", cmd.Mode))
	}
}

func (s *Server) shutdown(cmd Command) Response {
	if s.cfg.Shutdown == nil {
		return fail("NOT_SUPPORTED", "shutdown is not wired")
	}
	immediate := cmd.Mode == "immediate"
	go s.cfg.Shutdown(immediate)
	return ok(map[string]string{"shutdown": cmd.Mode})
}
