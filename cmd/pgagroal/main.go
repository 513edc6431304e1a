// Command pgagroal is the connection pool and protocol-aware proxy
// (spec §1). It loads its configuration, brings up the pool, the
// client listener, the liveness prober, the control plane, and the
// REST/metrics/dashboard surface, then blocks until a termination
// signal arrives.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dbbouncer/pgagroal/internal/api"
	"github.com/dbbouncer/pgagroal/internal/config"
	"github.com/dbbouncer/pgagroal/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "configs/pgagroal.yaml", "path to configuration file")
	usersPath := flag.String("users", "configs/pgagroal_users.yaml", "path to users file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(os.Args[0] + ": " + fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("failed to set GOMAXPROCS from cgroup limits", "error", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		log.Warn("failed to set GOMEMLIMIT from cgroup limits", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	store, err := config.LoadUsers(*usersPath)
	if err != nil {
		log.Error("failed to load users file", "path", *usersPath, "error", err)
		os.Exit(1)
	}

	sup, err := supervisor.New(cfg, *configPath, store, log)
	if err != nil {
		log.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	if err := sup.Start(); err != nil {
		log.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(sup.Pool(), sup.ServerTable(), cfg.Listen)
	if err := apiServer.Start(cfg.Listen.MetricsPort); err != nil {
		log.Error("failed to start API server", "error", err)
		os.Exit(1)
	}

	log.Info("pgagroal ready",
		"postgres_port", cfg.Listen.PostgresPort,
		"metrics_port", cfg.Listen.MetricsPort,
		"pipeline", cfg.Pipeline.Mode,
		"servers", len(cfg.Servers),
	)

	sup.Run()
	apiServer.Stop()
	log.Info("pgagroal stopped")
}
