// The tandem coordinator daemon: wires configuration, logging, telemetry,
// the session repository, the lock manager, and the coordination core. The
// wire transport and the recovery scheduler plug in around this core; until
// a transport registers, dispatch fails with typed transport errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sorafune/tandem/config"
	"github.com/sorafune/tandem/core/coordinator"
	"github.com/sorafune/tandem/core/lock"
	"github.com/sorafune/tandem/core/rpc"
	"github.com/sorafune/tandem/core/session"
	"github.com/sorafune/tandem/internal/metrics"
	"github.com/sorafune/tandem/pkg/logger"
	"github.com/sorafune/tandem/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "config/tandem.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	coordMetrics, err := metrics.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register coordinator metrics", zap.Error(err))
	}

	repo := session.NewMemoryRepository(log)
	locks := lock.NewMemoryManager(log)
	core := coordinator.NewDefaultCore(repo, locks, rpc.UnconnectedChannel{}, log, coordMetrics)
	// The embedding transport layer serves participant requests against this
	// core; the daemon itself only owns its lifecycle.
	_ = core

	log.Info("tandem coordinator started",
		zap.String("listenAddr", cfg.Coordinator.ListenAddr),
		zap.Duration("dispatchTimeout", cfg.Coordinator.DispatchTimeout.Duration()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := telShutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
