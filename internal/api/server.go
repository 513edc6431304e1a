// Package api exposes the proxy's read-only REST surface, Prometheus
// endpoint, and admin dashboard, adapted from the teacher's tenant-CRUD
// API server (internal/api/server.go) to pgagroal's statically
// configured server/limit-rule model: there is no runtime tenant
// registration here, so the CRUD verbs are replaced with status,
// pool, and server-liveness views plus a flush action that calls the
// pool's Flush directly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/moogar0880/problems"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgagroal/internal/config"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
	"github.com/dbbouncer/pgagroal/internal/server"
)

// Server is the REST API, metrics, and dashboard HTTP server.
type Server struct {
	pool       *pgpool.Pool
	servers    *server.Table
	listenCfg  config.ListenConfig
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server bound to the running pool and
// server table.
func NewServer(p *pgpool.Pool, st *server.Table, lc config.ListenConfig) *Server {
	return &Server{
		pool:      p,
		servers:   st,
		listenCfg: lc,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server on lc.MetricsBind:port.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	r.HandleFunc("/servers", s.listServers).Methods("GET")
	r.HandleFunc("/databases", s.listDatabases).Methods("GET")
	r.HandleFunc("/databases/{name}/flush", s.flushDatabase).Methods("POST")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.MetricsBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("api: server error: %v\n", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type databaseView struct {
	Database string `json:"database"`
	Active   int    `json:"active"`
	Free     int    `json:"free"`
	Total    int    `json:"total"`
}

func (s *Server) databaseStats() []databaseView {
	counts := map[string]*databaseView{}
	for _, slot := range s.pool.Slots() {
		_, database := slot.Identity()
		if database == "" {
			continue
		}
		v, ok := counts[database]
		if !ok {
			v = &databaseView{Database: database}
			counts[database] = v
		}
		v.Total++
		switch slot.State() {
		case pgpool.StateInUse:
			v.Active++
		case pgpool.StateFree:
			v.Free++
		}
	}
	result := make([]databaseView, 0, len(counts))
	for _, v := range counts {
		result = append(result, *v)
	}
	return result
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.databaseStats())
}

func (s *Server) flushDatabase(w http.ResponseWriter, r *http.Request) {
	database := mux.Vars(r)["name"]
	mode := pgpool.FlushIdle
	switch r.URL.Query().Get("mode") {
	case "graceful":
		mode = pgpool.FlushGraceful
	case "all":
		mode = pgpool.FlushAll
	}
	s.pool.Flush(mode, database)
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed", "database": database})
}

type serverView struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	State   string `json:"state"`
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.serverViews())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	allUp := true
	for _, e := range s.servers.Entries() {
		if !e.IsAvailable() {
			allUp = false
			break
		}
	}

	status := http.StatusOK
	if !allUp {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allUp),
		"servers": s.serverViews(),
	})
}

func (s *Server) serverViews() []serverView {
	entries := s.servers.Entries()
	result := make([]serverView, len(entries))
	for i, e := range entries {
		result[i] = serverView{Name: e.Name, Address: e.Address(), State: e.State().String()}
	}
	return result
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.servers.Entries()
	if len(entries) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, e := range entries {
		if e.IsAvailable() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeProblem(w, http.StatusServiceUnavailable, "not ready", "no configured server is available")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_servers":    len(s.servers.Entries()),
		"num_slots":      len(s.pool.Slots()),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"metrics_port":  s.listenCfg.MetricsPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"metrics_port":  s.listenCfg.MetricsPort,
		},
		"limit_rules": len(s.pool.Limits()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeProblem writes an RFC 7807 problem-details body, the pattern the
// control plane's HTTP-adjacent errors follow instead of the teacher's
// bare {"error": "..."} shape.
func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	p := problems.NewDetailedProblem(status, detail)
	p.Title = title
	w.Header().Set("Content-Type", problems.ProblemMediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
