// Package worker runs one client session end to end (spec §4.5): the
// client-facing authenticator, pipeline selection, and the return-vs-kill
// decision on exit. One Handle call corresponds to one spawned worker.
package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dbbouncer/pgagroal/internal/perr"
	"github.com/dbbouncer/pgagroal/internal/pgauth"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/pipeline"
	"github.com/dbbouncer/pgagroal/internal/protocol"
)

// Mode selects which of the three pipelines (spec §4.5.1–3) a worker runs.
type Mode int

const (
	ModePerformance Mode = iota
	ModeSession
	ModeTransaction
)

// Config is everything a worker needs that doesn't vary per connection.
type Config struct {
	Pool            *pgpool.Pool
	Store           pgauth.UserStore
	HBARules        []pgauth.HBARule
	DatabaseAliases map[string]string
	TLSConfig       *tls.Config
	Mode            Mode
	Session         pipeline.SessionConfig
	Cancels         *pipeline.CancelRegistry
	ServerAddr      func(serverIndex int) string
	Metrics         pipeline.Metrics
	CancelTimeout   time.Duration
	// DatabaseEnabled is consulted after HBA resolution, before any slot
	// is touched — a database disabled via the control plane's disabledb
	// verb (spec §4.7) rejects new sessions without starting the pool
	// machinery. Nil means every database is enabled.
	DatabaseEnabled func(database string) bool
	Log             *slog.Logger
}

// Handle runs one client connection to completion: startup, HBA
// resolution, authentication, pipeline execution, and the final
// return-or-kill on the slot it held. It never returns an error for a
// client-caused failure — those are reported to the client over the wire
// and logged; the returned error is reserved for conditions the caller
// (the supervisor) needs to react to, such as a listener-level problem.
func Handle(ctx context.Context, clientConn net.Conn, remoteAddr string, cfg Config) error {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	defer clientConn.Close()

	req, err := pgauth.ReadStartup(clientConn, cfg.TLSConfig)
	if err != nil {
		log.Debug("startup read failed", "remote", remoteAddr, "error", err)
		return nil
	}

	if req.Cancel {
		if cfg.Cancels == nil {
			return nil
		}
		timeout := cfg.CancelTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if err := cfg.Cancels.Forward(req.CancelPID, req.CancelSecret, timeout); err != nil {
			log.Debug("cancel forward failed", "remote", remoteAddr, "error", err)
		}
		return nil
	}

	database := pgauth.ResolveAlias(cfg.DatabaseAliases, req.Database)

	rule, err := pgauth.ResolveMethod(cfg.HBARules, database, req.User, remoteAddr, req.IsSSL)
	if err != nil {
		sendFatal(req.Conn, perr.CodeInvalidAuth, err.Error())
		return nil
	}

	if cfg.DatabaseEnabled != nil && !cfg.DatabaseEnabled(database) {
		sendFatal(req.Conn, perr.CodeInvalidCatalog, fmt.Sprintf("database %q is disabled", database))
		return nil
	}

	transaction := cfg.Mode == ModeTransaction

	// A slot already live under this identity can skip re-contacting the
	// backend (spec §4.3 "slot reuse replay") — but the client in front
	// of us still has to pass its own credential challenge either way.
	// The challenge runs before any slot is claimed or reserved, so a bad
	// credential never puts a slot into IN_USE (spec §7: "slot never
	// entered IN_USE").
	if err := pgauth.ChallengeCredential(req.Conn, rule, cfg.Store, req.User); err != nil {
		sendAuthFailure(req.Conn, err)
		return nil
	}

	slot := cfg.Pool.TryClaimExisting(req.User, database, true)
	if slot != nil {
		// Already challenged above: the trust rule sends AuthenticationOk
		// and the cached security_messages without a second challenge.
		if err := pgauth.AuthenticateClient(req.Conn, pgauth.HBARule{Method: pgauth.MethodTrust}, cfg.Store, req, slot.SecurityMessages(), nil, 0, 0); err != nil {
			cfg.Pool.Kill(slot)
			return nil
		}
		slot.SetTxMode(transaction)
	} else {
		slot, err = cfg.Pool.Reserve(ctx, req.User, database, true, transaction)
		if err != nil {
			sendFatal(req.Conn, perr.CodeTooManyConns, "too many connections for role or database")
			return nil
		}

		pid, secret := slot.BackendKeyData()
		if err := pgauth.CompleteStartup(req.Conn, backendParamsOf(slot), pid, secret); err != nil {
			cfg.Pool.Kill(slot)
			return nil
		}
	}

	var result pipeline.Result
	switch cfg.Mode {
	case ModePerformance:
		result = pipeline.RunPerformance(ctx, req.Conn, slot)
	case ModeSession:
		addr := ""
		if cfg.ServerAddr != nil {
			addr = cfg.ServerAddr(slot.ServerIndex())
		}
		result = pipeline.RunSession(ctx, req.Conn, slot, cfg.Session, cfg.Cancels, addr, cfg.Metrics)
	case ModeTransaction:
		result = pipeline.RunTransaction(ctx, req.Conn, cfg.Pool, req.User, database, slot, cfg.Metrics)
	default:
		result = pipeline.RunPerformance(ctx, req.Conn, slot)
	}

	pipeline.Apply(cfg.Pool, result)
	return nil
}

// backendParamsOf reconstructs the backend ParameterStatus map from the
// slot's cached security_messages, since that's the only place a fresh
// slot's params survive to this point.
func backendParamsOf(slot *pgpool.Slot) map[string]string {
	params := make(map[string]string)
	for _, msg := range slot.SecurityMessages() {
		if msg.Kind != protocol.KindParameterStatus {
			continue
		}
		k, v := splitParam(msg.Payload)
		if k != "" {
			params[k] = v
		}
	}
	return params
}

func splitParam(payload []byte) (string, string) {
	i := 0
	for i < len(payload) && payload[i] != 0 {
		i++
	}
	if i >= len(payload) {
		return "", ""
	}
	key := string(payload[:i])
	rest := payload[i+1:]
	j := 0
	for j < len(rest) && rest[j] != 0 {
		j++
	}
	return key, string(rest[:j])
}

func sendFatal(conn net.Conn, code, message string) {
	protocol.WriteTyped(conn, protocol.KindErrorResponse, protocol.BuildErrorResponse(perr.SeverityFatal, code, message))
}

func sendAuthFailure(conn net.Conn, err error) {
	if pgErr, ok := err.(*perr.PGError); ok {
		protocol.WriteTyped(conn, protocol.KindErrorResponse, protocol.BuildErrorResponse(pgErr.Severity, pgErr.Code, pgErr.Message))
		return
	}
	sendFatal(conn, perr.CodeInvalidAuth, fmt.Sprintf("authentication failed: %v", err))
}
