package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/platform/env"
	"github.com/hutch-labs/hutch-agent/internal/platform/httpserver"
	repopg "github.com/hutch-labs/hutch-agent/internal/repo/postgres"
	"github.com/spf13/cobra"
)

var (
	logLevel      string
	serveAddr     string
	reconcileOnce bool
)

var rootCmd = &cobra.Command{
	Use:   "hutch-agent",
	Short: "Run packaged workflows and publish their results",
	Long: `hutch-agent accepts zipped RO-Crate workflow bundles, runs them through the
WfExS workflow engine, and publishes each run's provenance, merged back into
the submitted crate, to object storage.

Configuration is read from HUTCH_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the submission API and run the reconciler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <bundle.zip>",
	Short: "Ingest and run one bundle",
	Long: `Ingest a bundle from the local filesystem, run its workflow and wait for the
provenance package. The resulting job record is printed as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(cmd, args[0])
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Upload results and merge finished jobs",
	Long: `Run the reconciler without the HTTP API. With --once a single upload and
merge cycle is performed and its counts are printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the job ledger schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides HUTCH_LOG_LEVEL")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address; overrides HUTCH_HTTP_ADDR")
	reconcileCmd.Flags().BoolVar(&reconcileOnce, "once", false, "run a single cycle and exit")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runServe(ctx context.Context) error {
	addr := env.String("HUTCH_HTTP_ADDR", ":8080")
	if serveAddr != "" {
		addr = serveAddr
	}
	shutdownTimeout, err := env.Duration("HUTCH_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return configError("invalid env", err)
	}

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	gateway, storeCheck, err := rt.openGateway(ctx)
	if err != nil {
		return err
	}
	p, err := rt.pipeline()
	if err != nil {
		return err
	}
	rec, err := rt.reconciler(gateway)
	if err != nil {
		return err
	}

	api := newAgentAPI(logger, p.ingestor, p.orchestrator, rt.ledger, p.maxBytes)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, append(rt.readinessChecks(), storeCheck)...))
	api.register(mux)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	recDone := make(chan error, 1)
	go func() {
		recDone <- rec.Run(ctx)
	}()

	err = httpserver.Run(ctx, logger, httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.Wrap(logger, serviceName, mux))
	cancel()
	if recErr := <-recDone; recErr != nil {
		logger.Error("reconciler stopped", "error", recErr)
	}
	if err != nil {
		return unavailable("http server", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runSubmit(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	p, err := rt.pipeline()
	if err != nil {
		return err
	}

	job, err := p.ingestor.Ingest(ctx, f)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	job, runErr := p.orchestrator.RunWorkflow(ctx, job)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("job %s: %w", job.ID, runErr)
	}
	return nil
}

func runReconcile(cmd *cobra.Command) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	gateway, _, err := rt.openGateway(ctx)
	if err != nil {
		return err
	}
	rec, err := rt.reconciler(gateway)
	if err != nil {
		return err
	}
	if !reconcileOnce {
		return rec.Run(ctx)
	}
	up, merged := rec.RunOnce(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded=%d skipped=%d failed=%d\n", up.Uploaded, up.Skipped, up.Failed)
	fmt.Fprintf(cmd.OutOrStdout(), "merged=%d skipped=%d failed=%d\n", merged.Merged, merged.Skipped, merged.Failed)
	if up.Failed > 0 || merged.Failed > 0 {
		return fmt.Errorf("reconcile cycle had %d upload and %d merge failures", up.Failed, merged.Failed)
	}
	return nil
}

func runMigrate(cmd *cobra.Command) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.requireDB(); err != nil {
		return err
	}
	if err := repopg.Migrate(ctx, rt.db); err != nil {
		return unavailable("ledger migration failed", err)
	}
	rt.logger.Info("ledger schema applied")
	return nil
}
