package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oceanbyte/migrated/pkg/drain"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/frontend"
	"github.com/oceanbyte/migrated/pkg/log"
	"github.com/oceanbyte/migrated/pkg/refcontroller"
	"github.com/oceanbyte/migrated/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "migctl",
	Short:   "Request a job migration or node drain",
	Version: Version,
	RunE:    runMigrate,
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/migrate", "Reference controller data directory")

	rootCmd.Flags().String("jobid", "", "Job id to migrate")
	rootCmd.Flags().String("stepid", "", "Step id (optional)")
	rootCmd.Flags().String("nodes", "", "Destination nodes (hostlist)")
	rootCmd.Flags().String("excluded-nodes", "", "Nodes to exclude from placement (hostlist)")
	rootCmd.Flags().String("drain-node", "", "Node to drain instead of migrating a single job")
	rootCmd.Flags().String("partition", "", "Destination partition")
	rootCmd.Flags().Bool("shared", false, "Request shared node placement")
	rootCmd.Flags().Bool("spread", false, "Request spread placement")
	rootCmd.Flags().Bool("test", false, "Dry-run only; do not perform the migration")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	jobID, _ := cmd.Flags().GetString("jobid")
	stepID, _ := cmd.Flags().GetString("stepid")
	nodes, _ := cmd.Flags().GetString("nodes")
	excluded, _ := cmd.Flags().GetString("excluded-nodes")
	drainNode, _ := cmd.Flags().GetString("drain-node")
	partition, _ := cmd.Flags().GetString("partition")
	testOnly, _ := cmd.Flags().GetBool("test")
	dataDir, _ := cmd.PersistentFlags().GetString("data-dir")

	req := &types.MigrationRequest{
		JobID:                jobID,
		StepID:               stepID,
		DestinationNodes:     nodes,
		ExcludedNodes:        excluded,
		DrainNode:            drainNode,
		DestinationPartition: partition,
		TestOnly:             testOnly,
	}
	if cmd.Flags().Changed("shared") {
		v, _ := cmd.Flags().GetBool("shared")
		req.Shared = &v
	}
	if cmd.Flags().Changed("spread") {
		v, _ := cmd.Flags().GetBool("spread")
		req.Spread = &v
	}

	if err := frontend.ValidateRequest(req); err != nil {
		return err
	}

	ctrl, err := refcontroller.Open(dataDir)
	if err != nil {
		return fmt.Errorf("migctl: open controller store: %w", err)
	}
	defer ctrl.Close()

	drv := driver.New(ctrl, driver.DefaultConfig())
	fe := &frontend.Frontend{
		Driver: drv,
		Drain:  drain.New(ctrl, drv),
	}

	res, drainRes, err := fe.RunOnce(context.Background(), req)
	if err != nil {
		return err
	}

	if drainRes != nil {
		fmt.Printf("drain completed: %d job(s) migrated\n", drainRes.Migrated)
		return nil
	}
	fmt.Printf("migration request %s: success\n", res.RequestID)
	return nil
}

// exitCode maps a *driver.MigrationError's Code (including the BadArg
// that request validation returns) to an external process exit code.
// Any other error, including a drain error that wraps a driver error,
// exits 1.
func exitCode(err error) int {
	merr, ok := err.(*driver.MigrationError)
	if !ok {
		return 1
	}
	return int(merr.Code)
}
