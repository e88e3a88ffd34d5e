// Command tablefate-managerd runs the TableFate transaction manager: the
// Transaction Store, Reservation Manager, Work Finder, Worker Pool, and the
// admin HTTP surface, wired together behind a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	fateengine "github.com/sushant-115/tablefate/core/fate"
	"github.com/sushant-115/tablefate/core/fate/pool"
	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/core/fate/store"
	_ "github.com/sushant-115/tablefate/core/fate/tableops"
	"github.com/sushant-115/tablefate/core/liveness"
	"github.com/sushant-115/tablefate/internal/adminhttp"
	"github.com/sushant-115/tablefate/internal/tablemeta"
	"github.com/sushant-115/tablefate/pkg/config"
	"github.com/sushant-115/tablefate/pkg/logger"
	"github.com/sushant-115/tablefate/pkg/telemetry"
)

// shutdownTimeout bounds how long the manager waits for in-flight
// transactions and background goroutines to drain on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

var cfg *config.Config
var viperInstance *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "tablefate-managerd",
	Short: "TableFate transaction manager",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, viperInstance, err = config.Load()
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg, viperInstance)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, v *viper.Viper) error {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("tablefate-managerd: build logger: %w", err)
	}
	defer log.Sync()

	tel, shutdownTel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tablefate-managerd: build telemetry: %w", err)
	}
	defer shutdownTel(context.Background())

	metrics, err := telemetry.NewFateMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("tablefate-managerd: build fate metrics: %w", err)
	}

	st, err := store.Open(cfg.Fate.StorePath, step.DefaultRegistry, log)
	if err != nil {
		return fmt.Errorf("tablefate-managerd: open store: %w", err)
	}
	defer st.Close()

	liveReg, closeLiveness, err := buildLiveness(cfg.Fate.Liveness, log)
	if err != nil {
		return fmt.Errorf("tablefate-managerd: build liveness registry: %w", err)
	}
	defer closeLiveness()

	metaRegistry := tablemeta.New()
	env := &engineEnv{tables: metaRegistry, names: metaRegistry, log: log, metrics: metrics}

	liveConfig := func() pool.LiveConfig {
		snap := config.Snapshot(v)
		return pool.LiveConfig{Size: snap.ThreadPoolSize, IdleCheckInterval: snap.IdleCheckInterval}
	}

	engine, err := fateengine.New(st, liveReg, env, fateengine.EngineConfig{}, liveConfig, log)
	if err != nil {
		return fmt.Errorf("tablefate-managerd: build engine: %w", err)
	}
	engine.Run(ctx)

	config.Watch(v, func(config.LiveConfig) {
		log.Info("configuration reloaded")
	})

	e := echo.New()
	e.HideBanner = true
	adminhttp.NewHandler(engine, e)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.Start(cfg.Fate.AdminListen); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server stopped unexpectedly", zap.Error(err))
		}
	}()

	log.Info("tablefate-managerd ready", zap.String("admin_listen", cfg.Fate.AdminListen))
	waitForShutdownSignal()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin http server shutdown error", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownTimeout); err != nil {
		log.Warn("engine shutdown error", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// buildLiveness constructs the configured liveness.Registry and returns a
// closer to run during shutdown (a no-op for the standalone registry).
func buildLiveness(cfg config.LivenessConfig, log *zap.Logger) (liveness.Registry, func(), error) {
	switch cfg.Mode {
	case config.LivenessRaft:
		reg, err := liveness.NewRaftRegistry(liveness.ClusterConfig{
			LocalID:   cfg.Raft.LocalID,
			BindAddr:  cfg.Raft.BindAddr,
			DataDir:   cfg.Raft.DataDir,
			Bootstrap: cfg.Raft.Bootstrap,
			TTL:       liveness.DefaultTTL,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Shutdown() }, nil
	default:
		reg := liveness.NewHeartbeatRegistry(liveness.DefaultTTL)
		return reg, func() {}, nil
	}
}

// engineEnv is the concrete step.Env TableFate wires up at startup.
type engineEnv struct {
	tables  step.TableRegistry
	names   step.NameMapper
	log     *zap.Logger
	metrics step.MetricsSink
}

func (e *engineEnv) Tables() step.TableRegistry { return e.tables }
func (e *engineEnv) Names() step.NameMapper     { return e.names }
func (e *engineEnv) Logger() *zap.Logger        { return e.log }
func (e *engineEnv) Metrics() step.MetricsSink  { return e.metrics }
