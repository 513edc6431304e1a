// Package config loads the proxy's main YAML configuration (servers,
// limit rules, HBA rules and database aliases all live in that one file)
// plus the companion users file read by LoadUsers — a YAML take on
// pgagroal's pgagroal.conf/pgagroal_users.conf split. The main file is
// loaded the way the teacher loads its single dbbouncer.yaml: env-var
// substitution, then YAML unmarshal, then defaulting and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dbbouncer/pgagroal/internal/pgauth"
	"github.com/dbbouncer/pgagroal/internal/pgpool"
)

// Config is the top-level configuration (spec §3 "Configuration").
type Config struct {
	Listen   ListenConfig          `yaml:"listen"`
	Defaults PoolDefaults          `yaml:"defaults"`
	Pipeline PipelineConfig        `yaml:"pipeline"`
	Servers  []ServerConfig        `yaml:"servers"`
	Limits   []LimitRuleConfig     `yaml:"limit_rules"`
	HBA      []pgauth.HBARule      `yaml:"hba"`
	Aliases  map[string]string     `yaml:"database_aliases"`
	Health   HealthConfig          `yaml:"health"`
	Control  ControlPlaneConfig    `yaml:"control_plane"`
}

// ListenConfig defines the ports and bind addresses the proxy listens on.
type ListenConfig struct {
	PostgresPort        int    `yaml:"postgres_port"`
	MetricsPort         int    `yaml:"metrics_port"`
	MetricsBind         string `yaml:"metrics_bind"`
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	MaxProxyConnections int    `yaml:"max_proxy_connections"`
}

// TLSEnabled reports whether both a TLS cert and key are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults are the pool-wide defaults applied when a limit rule
// doesn't override them (spec §3 "Pool").
type PoolDefaults struct {
	MinConnections   int           `yaml:"min_connections"`
	MaxConnections   int           `yaml:"max_connections"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxConnectionAge time.Duration `yaml:"max_connection_age"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ValidationPeriod time.Duration `yaml:"validation_period"`
}

// PipelineConfig selects which of the three pipelines (spec §4.5.1–3)
// the proxy runs, plus pipeline-specific tuning.
type PipelineConfig struct {
	Mode              string        `yaml:"mode"` // "performance", "session", or "transaction"
	DiscardOnReturn   bool          `yaml:"discard_on_return"`
	CancelDialTimeout time.Duration `yaml:"cancel_dial_timeout"`
}

// ServerConfig is one configured upstream PostgreSQL server (spec §3
// "Server entry").
type ServerConfig struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
	Primary bool   `yaml:"primary"`
}

// LimitRuleConfig is one concurrent-connection cap on a (database,
// user) pattern (spec §3 "Limit rule").
type LimitRuleConfig struct {
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Min      int    `yaml:"min"`
	Max      int    `yaml:"max"`
	Server   string `yaml:"server"` // ServerConfig.Name this rule's connections dial
}

// HealthConfig tunes the server liveness prober (internal/server).
type HealthConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Interval     time.Duration `yaml:"interval"`
}

// ControlPlaneConfig configures the Unix-domain-socket admin channel
// (spec §4.7) — deliberately separate from the REST/Prometheus surface
// on ListenConfig.MetricsPort.
type ControlPlaneConfig struct {
	UnixSocketDir string `yaml:"unix_socket_dir"`
	Users         []pgauth.UserCredential `yaml:"admins"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unresolved references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses the main YAML config file with env var
// substitution, then applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadUsers reads the companion users file (pgagroal_users.conf's YAML
// equivalent) into a pgauth.MapUserStore.
func LoadUsers(path string) (pgauth.MapUserStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	data = substituteEnvVars(data)

	var creds []pgauth.UserCredential
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}

	store := make(pgauth.MapUserStore, len(creds))
	for _, c := range creds {
		if c.User == "" {
			return nil, fmt.Errorf("users file: entry with empty user name")
		}
		store[c.User] = c
	}
	return store, nil
}

// LimitRules converts the configured LimitRuleConfig entries into
// internal/pgpool.LimitRule, resolving each rule's Server name against
// the configured server list (spec §3 "Limit rule" ServerIndex).
func (c *Config) LimitRules() ([]*pgpool.LimitRule, error) {
	index := make(map[string]int, len(c.Servers))
	for i, s := range c.Servers {
		index[s.Name] = i
	}

	rules := make([]*pgpool.LimitRule, 0, len(c.Limits))
	for _, l := range c.Limits {
		serverIdx, ok := index[l.Server]
		if !ok {
			return nil, fmt.Errorf("limit rule %s/%s: unknown server %q", l.Database, l.User, l.Server)
		}
		rules = append(rules, &pgpool.LimitRule{
			Database:    l.Database,
			User:        l.User,
			Min:         l.Min,
			Max:         l.Max,
			ServerIndex: serverIdx,
		})
	}
	return rules, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 2345
	}
	if cfg.Listen.MetricsPort == 0 {
		cfg.Listen.MetricsPort = 2346
	}
	if cfg.Listen.MetricsBind == "" {
		cfg.Listen.MetricsBind = "127.0.0.1"
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 10 * time.Minute
	}
	if cfg.Defaults.MaxConnectionAge == 0 {
		cfg.Defaults.MaxConnectionAge = time.Hour
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Defaults.ValidationPeriod == 0 {
		cfg.Defaults.ValidationPeriod = 30 * time.Second
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = "transaction"
	}
	if cfg.Pipeline.CancelDialTimeout == 0 {
		cfg.Pipeline.CancelDialTimeout = 5 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 2 * time.Second
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 10 * time.Second
	}
	if cfg.Control.UnixSocketDir == "" {
		cfg.Control.UnixSocketDir = "/tmp"
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.PostgresPort < 1 || cfg.Listen.PostgresPort > 65535 {
		return fmt.Errorf("listen.postgres_port %d out of range", cfg.Listen.PostgresPort)
	}
	if cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections (%d) > max_connections (%d)", cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}
	switch cfg.Pipeline.Mode {
	case "performance", "session", "transaction":
	default:
		return fmt.Errorf("pipeline.mode %q must be performance, session, or transaction", cfg.Pipeline.Mode)
	}

	names := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if s.Name == "" {
			return fmt.Errorf("server entry with empty name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		names[s.Name] = true
		if s.Host == "" {
			return fmt.Errorf("server %q: host is required", s.Name)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("server %q: port %d out of range", s.Name, s.Port)
		}
	}

	for _, l := range cfg.Limits {
		if l.Min > l.Max {
			return fmt.Errorf("limit rule %s/%s: min (%d) > max (%d)", l.Database, l.User, l.Min, l.Max)
		}
		if l.Server != "" && !names[l.Server] {
			return fmt.Errorf("limit rule %s/%s: unknown server %q", l.Database, l.User, l.Server)
		}
	}

	return nil
}

// Watcher watches the main config file for changes and invokes the
// callback with the newly loaded config, grounded on the teacher's
// fsnotify-based hot-reload (spec §4.6 "SIGHUP").
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		log:      slog.Default(),
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Error("config hot-reload failed", "path", cw.path, "error", err)
		return
	}
	cw.log.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Reload triggers an immediate reload outside the file-watch path. The
// supervisor does not start a Watcher: SIGHUP and the control plane's
// "conf reload" verb (spec §4.7) go through Supervisor.Reload instead.
func (cw *Watcher) Reload() {
	cw.reload()
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
