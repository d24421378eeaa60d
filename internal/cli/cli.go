// Package cli is the portaljobs command line.
//
//	portaljobs serve                # HTTP trigger API and in-process cron
//	portaljobs run <job>|all        # one guarded invocation, then exit
//	portaljobs executions           # recent audit records
//	portaljobs migrate              # create or update the schema
//
// Every subcommand reads the YAML file given by --config (default
// configs/default.yaml); a missing file means built-in defaults.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"portaljobs/internal/api"
	"portaljobs/internal/config"
	"portaljobs/internal/jobs"
	"portaljobs/internal/scheduler"
	"portaljobs/internal/worker"
)

// ErrJobFailed makes the process exit non-zero after a failed run.
var ErrJobFailed = errors.New("job failed")

type options struct {
	configFile string
}

func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "portaljobs",
		Short:         "Scheduled jobs for the employee salary portal",
		Long:          "Withdrawal reconciliation, monthly salary allocation and notification retry, each run under a job lock with an audit trail.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildExecutionsCommand(opts))
	rootCmd.AddCommand(buildMigrateCommand(opts))
	return rootCmd
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg, os.Stderr)
	return cfg, nil
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>|all",
		Short: "Run one job, or every job, once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, a.runner, args[0], cmd.OutOrStdout())
		},
	}
}

type onceRunner interface {
	Run(ctx context.Context, name string) (jobs.Outcome, error)
	RunAll(ctx context.Context) ([]jobs.Outcome, error)
}

// runOnce prints each outcome as JSON. Busy is a normal exit; an error
// outcome yields ErrJobFailed.
func runOnce(ctx context.Context, r onceRunner, name string, out io.Writer) error {
	var outs []jobs.Outcome
	if name == "all" {
		var err error
		outs, err = r.RunAll(ctx)
		if err != nil && len(outs) == 0 {
			return err
		}
	} else {
		o, err := r.Run(ctx, name)
		if err != nil {
			return err
		}
		outs = []jobs.Outcome{o}
	}

	enc := json.NewEncoder(out)
	failed := false
	for _, o := range outs {
		if err := enc.Encode(o); err != nil {
			return err
		}
		if o.Status == jobs.StatusError {
			failed = true
		}
	}
	if failed {
		return ErrJobFailed
	}
	return nil
}

func buildServeCommand(opts *options) *cobra.Command {
	var noCron bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger API and run the in-process scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a, cfg.Scheduler.Enabled && !noCron)
		},
	}
	cmd.Flags().BoolVar(&noCron, "no-cron", false, "serve triggers only; do not start the in-process scheduler")
	return cmd
}

func serve(parent context.Context, a *app, withCron bool) error {
	cfg := a.cfg
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var sched *scheduler.Service
	var pool *worker.Pool
	if withCron {
		pool = worker.NewPool(a.runner, cfg.Scheduler.Workers, cfg.Scheduler.MaxAttempts)
		sched = scheduler.NewService(pool, cfg.Scheduler.CheckInterval, cfg.Location())
		for _, name := range a.runner.Names() {
			job := cfg.Job(name)
			if job.Schedule == "" {
				continue
			}
			if err := sched.Add(name, job.Schedule); err != nil {
				return err
			}
		}
		go sched.Start(ctx)
	}

	apiOpts := api.Options{
		TriggerSecret:  cfg.Server.TriggerSecret,
		AllowedIPs:     cfg.Server.AllowedIPs,
		TrustedProxies: cfg.Server.TrustedProxies,
		Gatherer:       a.registry,
	}
	if sched != nil {
		apiOpts.Schedules = sched.Entries
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServer(a.runner, a.store, apiOpts)}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Strs("jobs", a.runner.Names()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-c:
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
	log.Info().Msg("shutting down")
	if sched != nil {
		sched.Stop()
	}
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if pool != nil {
		pool.Wait()
	}
	return nil
}

func buildExecutionsCommand(opts *options) *cobra.Command {
	var job string
	var limit int
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent job executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.store.ListExecutions(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tJOB\tSTATUS\tPROCESSED\tTOOK\tMESSAGE")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.JobName, r.Status, r.Processed,
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "only this job")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}

func buildMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Info().Str("path", cfg.Database.Path).Msg("schema up to date")
			return nil
		},
	}
}
