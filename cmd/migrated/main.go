package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbyte/migrated/pkg/agent"
	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/log"
	"github.com/oceanbyte/migrated/pkg/metrics"
	"github.com/oceanbyte/migrated/pkg/policy"
	"github.com/oceanbyte/migrated/pkg/refcontroller"
	"github.com/oceanbyte/migrated/pkg/types"
)

// Version information (set via ldflags during build)
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "migrated",
	Short:   "Run the migration agent daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("data-dir", "/var/lib/migrate", "Reference controller data directory")
	rootCmd.Flags().Duration("interval", 30*time.Second, "Agent tick interval")
	rootCmd.Flags().String("metrics-addr", ":9109", "Address to serve /metrics on")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	interval, _ := cmd.Flags().GetDuration("interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("migrated: create data directory: %w", err)
	}

	ctrl, err := refcontroller.Open(dataDir)
	if err != nil {
		return fmt.Errorf("migrated: open controller store: %w", err)
	}
	defer ctrl.Close()

	diag := controller.NewDiagnostics()
	drv := driver.New(ctrl, driver.DefaultConfig())

	probe := driverProbe{drv: drv}
	policies := []agent.Selector{
		&policy.Compaction{Prober: probe},
		&policy.Promotion{Prober: probe},
	}

	a := agent.New(ctrl, diag, drv, policies, agent.Config{Interval: interval})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	logger := log.WithComponent("migrated")

	go func() {
		logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		diag.RequestStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Dur("interval", interval).Msg("agent starting")
	a.Run(ctx)
	return nil
}

// driverProbe adapts *driver.Driver to policy.Prober.
type driverProbe struct {
	drv *driver.Driver
}

func (p driverProbe) Probe(ctx context.Context, req *types.MigrationRequest) bool {
	return p.drv.Probe(ctx, req)
}
