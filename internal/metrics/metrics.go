// Package metrics exposes the proxy's runtime state as Prometheus
// metrics (spec §4.6), grounded on the teacher's per-tenant Collector
// but relabeled around "database" instead of ("tenant", "db_type") —
// there is exactly one wire protocol now, and limit rules replace
// tenants as the thing metrics are keyed on.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the proxy registers.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsFree    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	serverState *prometheus.GaugeVec

	authFailuresTotal *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry — safe to
// call more than once (tests, config reload) since each call is
// independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_connections_active",
				Help: "Slots currently IN_USE per database",
			},
			[]string{"database"},
		),
		connectionsFree: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_connections_free",
				Help: "Slots currently FREE per database",
			},
			[]string{"database"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_connections_total",
				Help: "Total slots (any state) per database",
			},
			[]string{"database"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_connections_waiting",
				Help: "Workers blocked waiting for a free slot per database",
			},
			[]string{"database"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_pool_exhausted_total",
				Help: "Times a limit rule's cap rejected a reservation",
			},
			[]string{"database"},
		),
		serverState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_server_state",
				Help: "Liveness state of a configured server (1=PRIMARY, 2=REPLICA, 0=FAILOVER/FAILED/NOTINIT)",
			},
			[]string{"server"},
		),
		authFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_auth_failures_total",
				Help: "Client authentication failures by SQLSTATE code",
			},
			[]string{"code"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_transactions_total",
				Help: "Completed transactions under the transaction pipeline",
			},
			[]string{"database"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgagroal_transaction_duration_seconds",
				Help:    "Duration from slot reservation to release per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgagroal_acquire_duration_seconds",
				Help:    "Time spent waiting for Pool.Reserve",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_session_pins_total",
				Help: "Session-pinning events in the transaction pipeline",
			},
			[]string{"database", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_backend_resets_total",
				Help: "DISCARD ALL reset outcomes on slot return",
			},
			[]string{"database", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction forcing a kill",
			},
			[]string{"database"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsFree,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.serverState,
		c.authFailuresTotal,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
	)

	return c
}

// UpdatePoolStats is the sole authority for the connection gauges,
// called periodically by the supervisor from pgpool.Pool state.
func (c *Collector) UpdatePoolStats(database string, active, free, total, waiting int) {
	c.connectionsActive.WithLabelValues(database).Set(float64(active))
	c.connectionsFree.WithLabelValues(database).Set(float64(free))
	c.connectionsTotal.WithLabelValues(database).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(database).Set(float64(waiting))
}

// PoolExhausted increments the pool-full counter for a database.
func (c *Collector) PoolExhausted(database string) {
	c.poolExhausted.WithLabelValues(database).Inc()
}

// SetServerState records a configured server's current liveness state.
func (c *Collector) SetServerState(server string, primary, replica bool) {
	val := 0.0
	switch {
	case primary:
		val = 1
	case replica:
		val = 2
	}
	c.serverState.WithLabelValues(server).Set(val)
}

// AuthFailure increments the authentication-failure counter for a
// SQLSTATE code (internal/perr.PGError.Code).
func (c *Collector) AuthFailure(code string) {
	c.authFailuresTotal.WithLabelValues(code).Inc()
}

// AcquireDuration observes how long a Pool.Reserve call took.
func (c *Collector) AcquireDuration(database string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database).Observe(d.Seconds())
}

// TransactionCompleted implements internal/pipeline.Metrics.
func (c *Collector) TransactionCompleted(database string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database).Inc()
	c.transactionDuration.WithLabelValues(database).Observe(d.Seconds())
}

// SessionPinned implements internal/pipeline.Metrics.
func (c *Collector) SessionPinned(database, reason string) {
	c.sessionPinsTotal.WithLabelValues(database, reason).Inc()
}

// BackendReset implements internal/pipeline.Metrics.
func (c *Collector) BackendReset(database string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.backendResetsTotal.WithLabelValues(database, status).Inc()
}

// DirtyDisconnect implements internal/pipeline.Metrics.
func (c *Collector) DirtyDisconnect(database string) {
	c.dirtyDisconnects.WithLabelValues(database).Inc()
}

// RemoveDatabase clears every metric series for a database removed from
// the running configuration on reload.
func (c *Collector) RemoveDatabase(database string) {
	c.connectionsActive.DeleteLabelValues(database)
	c.connectionsFree.DeleteLabelValues(database)
	c.connectionsTotal.DeleteLabelValues(database)
	c.connectionsWaiting.DeleteLabelValues(database)
	c.poolExhausted.DeleteLabelValues(database)
	c.transactionsTotal.DeleteLabelValues(database)
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.dirtyDisconnects.DeleteLabelValues(database)
}
