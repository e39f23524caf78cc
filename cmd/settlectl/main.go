// Command settlectl runs settlement operations against the production
// database without going through the HTTP API.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mbd888/splitpay/internal/config"
	"github.com/mbd888/splitpay/internal/escrow"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/notary"
	"github.com/mbd888/splitpay/internal/payout"
	"github.com/mbd888/splitpay/internal/reconciliation"
	"github.com/mbd888/splitpay/internal/runlock"
	"github.com/mbd888/splitpay/internal/server"
	"github.com/mbd888/splitpay/internal/settlement"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the splitpay settlement ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runBatchCmd())
	rootCmd.AddCommand(retryFailedCmd())
	rootCmd.AddCommand(sweepEscrowsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(verifyProofCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the components a command needs. Only the ledger side is built
// eagerly; payout rails are opened by commands that move money.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	ledger  *settlement.PostgresStore
	escrows *escrow.PostgresStore
	redis   *redis.Client
	rail    *payout.ChainRail
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		ledger:  settlement.NewPostgresStore(db),
		escrows: escrow.NewPostgresStore(db),
	}, nil
}

func (a *app) close() {
	if a.rail != nil {
		a.rail.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

func (a *app) executor() (payout.Executor, error) {
	router, rail, err := server.NewPayoutRouter(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.rail = rail
	return router, nil
}

// scheduler shares the server's batch lease when Redis is configured, so a
// manual run never overlaps a scheduled one on another replica.
func (a *app) scheduler() (*settlement.Scheduler, error) {
	exec, err := a.executor()
	if err != nil {
		return nil, err
	}
	s := settlement.NewScheduler(a.ledger, exec, a.logger).
		WithReports(a.ledger).
		WithMaturity(a.cfg.SettlementMaturity).
		WithConcurrency(a.cfg.SettlementConcurrency).
		WithMaxAttempts(a.cfg.TransferMaxAttempts).
		WithRetryBackoff(a.cfg.TransferRetryBackoff)

	if a.cfg.RedisURL != "" {
		lock, client, err := runlock.NewRedisFromURL(a.cfg.RedisURL, a.logger)
		if err != nil {
			return nil, err
		}
		a.redis = client
		s.WithLock(lock)
	}
	return s, nil
}

// withApp opens the app for the duration of fn.
func withApp(fn func(ctx context.Context, a *app) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		out, err := fn(ctx, a)
		if err != nil {
			return err
		}
		return printJSON(cmd, out)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBatchCmd() *cobra.Command {
	var maturityHours int
	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Settle every pending row older than the maturity window",
		RunE: withApp(func(ctx context.Context, a *app) (any, error) {
			s, err := a.scheduler()
			if err != nil {
				return nil, err
			}
			maturity := s.Maturity()
			if maturityHours >= 0 {
				maturity = time.Duration(maturityHours) * time.Hour
			}
			return s.RunBatchWithMaturity(ctx, time.Now(), maturity, settlement.KindManual)
		}),
	}
	cmd.Flags().IntVar(&maturityHours, "maturity-hours", -1, "Override the maturity window (hours)")
	return cmd
}

func retryFailedCmd() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Retry failed rows that have attempts left",
		RunE: withApp(func(ctx context.Context, a *app) (any, error) {
			s, err := a.scheduler()
			if err != nil {
				return nil, err
			}
			if now {
				s.WithRetryBackoff(0)
			}
			return s.RetryFailed(ctx, time.Now())
		}),
	}
	cmd.Flags().BoolVar(&now, "now", false, "Ignore the retry backoff")
	return cmd
}

func sweepEscrowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-escrows",
		Short: "Auto-release delivered escrows past their release time",
		RunE: withApp(func(ctx context.Context, a *app) (any, error) {
			exec, err := a.executor()
			if err != nil {
				return nil, err
			}
			svc := escrow.NewService(a.escrows, a.logger).
				WithReleaser(escrow.NewPayoutReleaser(exec, a.escrows, a.logger)).
				WithAutoReleaseDays(a.cfg.EscrowAutoReleaseDays)
			return svc.SweepAutoRelease(ctx, time.Now())
		}),
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger row counts and settled volume",
		RunE: withApp(func(ctx context.Context, a *app) (any, error) {
			return a.ledger.Stats(ctx)
		}),
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary [partyId]",
		Short: "Show one party's pending, settled and failed totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) (any, error) {
				return a.ledger.PartySummary(ctx, args[0])
			})(cmd, args)
		},
	}
}

func reconcileCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check ledger invariants and recover interrupted rows",
		RunE: withApp(func(ctx context.Context, a *app) (any, error) {
			return reconciliation.NewRunner(a.ledger, a.logger).
				WithEscrows(a.escrows).
				WithStaleAfter(staleAfter).
				RunAll(ctx)
		}),
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", reconciliation.DefaultStaleAfter, "Age after which a processing row counts as interrupted")
	return cmd
}

func verifyProofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-proof [proofId]",
		Short: "Re-verify an audit proof against the current ledger state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) (any, error) {
				signer, err := server.NewSigner(a.cfg)
				if err != nil {
					return nil, err
				}
				if signer == nil {
					return nil, fmt.Errorf("no notary key configured")
				}
				ingestor := settlement.NewIngestor(a.ledger, a.logger)
				svc := escrow.NewService(a.escrows, a.logger)
				return notary.NewService(notary.NewPostgresStore(a.db), signer, a.logger).
					WithResolver(notary.SubjectSettlement, ingestor.SettlementPayload).
					WithResolver(notary.SubjectEscrow, svc.ReleasePayload).
					Verify(ctx, args[0])
			})(cmd, args)
		},
	}
}
