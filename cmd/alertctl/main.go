// Command alertctl is the FareLens alert queue operator CLI.
//
// Usage:
//
//	alertctl scan run
//	alertctl scan watermark show
//	alertctl scan watermark reset --to 2026-03-01T00:00:00Z
//	alertctl quota show --user 6f1c1f0e-3b7a-4c55-9d2e-6f0a7d1e2b01
//	alertctl dedup check --user 6f1c1f0e-3b7a-4c55-9d2e-6f0a7d1e2b01 --family SFO-NRT@2026-03-30
//	alertctl policy show
//	alertctl maintenance run
//	alertctl migrate
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/config"
	"github.com/farelens/farelens-alerts/internal/db"
	"github.com/farelens/farelens-alerts/internal/maintenance"
	"github.com/farelens/farelens-alerts/internal/push"
	"github.com/farelens/farelens-alerts/internal/store"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "alertctl",
		Short:        "FareLens alert queue operator CLI",
		SilenceUsage: true,
	}
	root.AddCommand(scanCmd())
	root.AddCommand(quotaCmd())
	root.AddCommand(dedupCmd())
	root.AddCommand(policyCmd())
	root.AddCommand(maintenanceCmd())
	root.AddCommand(migrateCmd())
	return root
}

// --------------------------------------------------------------------------
// scan command
// --------------------------------------------------------------------------

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run and inspect alert scan cycles",
	}
	cmd.AddCommand(scanRunCmd())
	cmd.AddCommand(watermarkCmd())
	return cmd
}

func scanRunCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scan cycle and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, h *store.Handle) error {
				transport, err := push.New(cfg, logger)
				if err != nil {
					return fmt.Errorf("push transport: %w", err)
				}
				sched := alerts.NewScheduler(alerts.StoresFrom(h.Backend), transport, cfg.Policy, schedulerOptions(cfg), logger)

				start := time.Now()
				res, err := sched.RunCycle(ctx)
				if err != nil {
					return err
				}
				logger.Info("Scan finished", "duration", time.Since(start).Round(time.Millisecond),
					"delivered", res.Delivered, "deferred", res.Deferred, "failed", res.Failed)
				if !verbose {
					res.Dispatches = nil
				}
				return writeJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include per-pair dispatch records")
	return cmd
}

func watermarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Show or reset the deal scan watermark",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, h *store.Handle) error {
				wm, err := h.Backend.Watermark(ctx, alerts.DefaultWatermark)
				if err != nil {
					return fmt.Errorf("read watermark: %w", err)
				}
				if wm.IsZero() {
					fmt.Fprintln(cmd.OutOrStdout(), "unset")
					return nil
				}
				if wm.DealID == "" {
					fmt.Fprintln(cmd.OutOrStdout(), wm.CreatedAt.UTC().Format(time.RFC3339Nano))
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s after deal %s\n", wm.CreatedAt.UTC().Format(time.RFC3339Nano), wm.DealID)
				return nil
			})
		},
	}

	var to string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Move the watermark (backwards replays deals; ledger dedup still applies)",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return fmt.Errorf("--to must be RFC3339: %w", err)
			}
			return withStore(func(ctx context.Context, cfg *config.Config, h *store.Handle) error {
				if err := h.Backend.ResetWatermark(ctx, alerts.DefaultWatermark, alerts.Cursor{CreatedAt: at}); err != nil {
					return fmt.Errorf("reset watermark: %w", err)
				}
				logger.Info("Watermark reset", "to", at.UTC())
				return nil
			})
		},
	}
	reset.Flags().StringVar(&to, "to", "", "New watermark (RFC3339)")
	_ = reset.MarkFlagRequired("to")

	cmd.AddCommand(show, reset)
	return cmd
}

// --------------------------------------------------------------------------
// quota command
// --------------------------------------------------------------------------

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect per-user daily quotas",
	}

	var userID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print today's quota for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(userID); err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
			return withStore(func(ctx context.Context, cfg *config.Config, h *store.Handle) error {
				p, err := h.Backend.ProfileFor(ctx, userID)
				if err != nil {
					return err
				}
				q := alerts.NewQuotaTracker(h.Backend, cfg.Policy)
				st, err := q.Status(ctx, p, time.Now())
				if err != nil {
					return err
				}
				return writeJSON(cmd, map[string]any{
					"user_id":        userID,
					"tier":           string(p.Tier),
					"day":            st.Day,
					"used":           st.Used,
					"cap":            st.Cap,
					"remaining":      st.Remaining(),
					"override_used":  st.OverrideUsed,
					"overrides_left": st.OverridesLeft(),
				})
			})
		},
	}
	show.Flags().StringVar(&userID, "user", "", "User ID")
	_ = show.MarkFlagRequired("user")

	cmd.AddCommand(show)
	return cmd
}

// --------------------------------------------------------------------------
// dedup command
// --------------------------------------------------------------------------

func dedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Inspect the alert dedup ledger",
	}

	var userID, family string
	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether a deal family may alert a user right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(userID); err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
			return withStore(func(ctx context.Context, cfg *config.Config, h *store.Handle) error {
				ledger := alerts.NewDedupLedger(h.Backend, cfg.Policy.DedupWindow(), logger)
				return writeJSON(cmd, map[string]any{
					"user_id":      userID,
					"family":       family,
					"window_hours": cfg.Policy.DedupWindowHours,
					"may_alert":    ledger.MayAlert(ctx, userID, family, time.Now()),
				})
			})
		},
	}
	check.Flags().StringVar(&userID, "user", "", "User ID")
	check.Flags().StringVar(&family, "family", "", "Deal family key (ORIGIN-DEST or ORIGIN-DEST@bucket)")
	_ = check.MarkFlagRequired("user")
	_ = check.MarkFlagRequired("family")

	cmd.AddCommand(check)
	return cmd
}

// --------------------------------------------------------------------------
// policy command
// --------------------------------------------------------------------------

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the effective alert policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective policy as YAML (file + env overrides)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := cfg.Policy.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// maintenance command
// --------------------------------------------------------------------------

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run retention and recovery tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Purge expired rows and requeue stale deferral claims once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, h *store.Handle) error {
				mcfg := maintenance.DefaultConfig()
				ledger, counters := maintenance.Cleanup(ctx, h.Backend, mcfg, logger)
				requeued := maintenance.RequeueStale(ctx, h.Backend, mcfg, logger)
				return writeJSON(cmd, map[string]int64{
					"ledger_purged":   ledger,
					"counters_purged": counters,
					"requeued":        requeued,
				})
			})
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate applies to STORE_DRIVER=postgres; %s stores apply their schema on open", cfg.StoreDriver)
			}
			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// withStore handles config loading, store connection, and context cancellation.
func withStore(fn func(ctx context.Context, cfg *config.Config, h *store.Handle) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	return fn(ctx, cfg, h)
}

func schedulerOptions(cfg *config.Config) alerts.Options {
	return alerts.Options{
		Workers:      cfg.ScanWorkers,
		FetchLimit:   cfg.ScanFetchLimit,
		Deadline:     cfg.ScanDeadline,
		PushTimeout:  cfg.PushTimeout,
		PushRetries:  cfg.PushRetries,
		StoreTimeout: cfg.StoreTimeout,
		MaxAttempts:  cfg.MaxDeliveryAttempts,
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
