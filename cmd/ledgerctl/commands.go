package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/app"
	"github.com/localmart/commission-service/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(payoutsCmd)
	payoutsCmd.AddCommand(payoutsRunCmd)
	payoutsCmd.AddCommand(payoutsReconcileCmd)
	payoutsCmd.AddCommand(payoutsListCmd)
	payoutsRunCmd.Flags().String("affiliate", "", "Pay only this affiliate id")
	payoutsReconcileCmd.Flags().Duration("stale-after", 0, "Age after which an unresolved payout is checked (default from RECONCILE_STALE_AFTER_MINUTES)")
	payoutsListCmd.Flags().String("affiliate", "", "Only payouts of this affiliate id")
	payoutsListCmd.Flags().Int("limit", 50, "Maximum payouts to list")

	rootCmd.AddCommand(holdsCmd)
	holdsCmd.AddCommand(holdsReleaseCmd)

	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerVoidCmd)
	ledgerExportCmd.Flags().StringP("format", "f", "csv", "Export format: csv or xlsx")
	ledgerExportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
	ledgerExportCmd.Flags().String("affiliate", "", "Only entries of this affiliate id")
	ledgerExportCmd.Flags().String("from", "", "Entries created on or after this date (YYYY-MM-DD)")
	ledgerExportCmd.Flags().String("to", "", "Entries created on or before this date (YYYY-MM-DD)")
	ledgerVoidCmd.Flags().String("reason", "", "Why the credit is voided")
	_ = ledgerVoidCmd.MarkFlagRequired("reason")

	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportTopCmd)
	reportCmd.AddCommand(reportSummaryCmd)
	reportTopCmd.Flags().Int("limit", 10, "Number of affiliates to rank")

	rootCmd.AddCommand(quoteCmd)
	quoteCmd.Flags().Int64("subtotal", 0, "Checkout subtotal in cents")
	quoteCmd.Flags().String("tier", "", "Seller subscription tier (default DEFAULT_SELLER_TIER)")
	quoteCmd.Flags().String("promo", "", "Promo code to apply")
	_ = quoteCmd.MarkFlagRequired("subtotal")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database schema",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		applied, err := store.ApplyMigrations(ctx, e.pool)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
		}
		return nil
	}),
}

var payoutsCmd = &cobra.Command{
	Use:   "payouts",
	Short: "Run and inspect affiliate payouts",
}

var payoutsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a payout cycle now",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		affiliateID, err := affiliateFlag(cmd)
		if err != nil {
			return err
		}
		result, err := e.payouts().RunPayoutCycle(ctx, affiliateID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}),
}

var payoutsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve payouts whose transfer outcome is unknown",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		staleAfter, _ := cmd.Flags().GetDuration("stale-after")
		if staleAfter <= 0 {
			staleAfter = e.cfg.ReconcileStaleAfter()
		}
		result, err := e.payouts().Reconcile(ctx, staleAfter)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}),
}

var payoutsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent payouts",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		affiliateID, err := affiliateFlag(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		payouts, err := e.payouts().ListPayouts(ctx, affiliateID, limit, 0)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), payouts)
	}),
}

var holdsCmd = &cobra.Command{
	Use:   "holds",
	Short: "Manage credit hold periods",
}

var holdsReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Make credit whose hold elapsed available for payout",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		released, err := e.ledger().ReleaseMatured(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %d entries\n", released)
		return nil
	}),
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Read and correct the commission ledger",
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger history as CSV or XLSX",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		filter, err := exportFilter(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")

		out := cmd.OutOrStdout()
		if outPath != "" {
			file, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			defer file.Close()
			out = file
		}

		exports := app.NewExportService(e.repo)
		switch strings.ToLower(format) {
		case "csv":
			return exports.WriteLedgerCSV(ctx, out, filter)
		case "xlsx":
			if outPath == "" {
				return fmt.Errorf("xlsx export requires --out")
			}
			return exports.WriteLedgerXLSX(ctx, out, filter)
		}
		return fmt.Errorf("unsupported export format %q", format)
	}),
}

var ledgerVoidCmd = &cobra.Command{
	Use:   "void SOURCE_EVENT_ID",
	Short: "Void the unpaid credit of a revenue event",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		reason, _ := cmd.Flags().GetString("reason")
		result, err := e.ledger().Void(ctx, args[0], reason)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}),
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Affiliate income reports",
}

var reportTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Rank affiliates by lifetime commission",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		limit, _ := cmd.Flags().GetInt("limit")
		performers, err := app.NewReportService(e.repo).TopPerformers(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), performers)
	}),
}

var reportSummaryCmd = &cobra.Command{
	Use:   "summary AFFILIATE_ID",
	Short: "Lifetime, monthly and balance summary of one affiliate",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid affiliate id %q", args[0])
		}
		summary, err := app.NewReportService(e.repo).AffiliateSummary(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	}),
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a checkout with the configured fee schedule",
	Long: `Price a checkout with the configured processor and platform fees. A promo
code is looked up in the database; without one no connection is made.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subtotal, _ := cmd.Flags().GetInt64("subtotal")
		tier, _ := cmd.Flags().GetString("tier")
		promo, _ := cmd.Flags().GetString("promo")
		if subtotal < 0 {
			return fmt.Errorf("subtotal must not be negative")
		}

		if promo == "" {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			schedule, err := feeSchedule(cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), schedule.Quote(subtotal, tier, 0))
		}

		return withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			quote, err := app.NewPromoService(e.repo, e.policy, e.schedule).QuoteCheckout(ctx, app.CheckoutQuoteRequest{
				SubtotalCents: subtotal,
				SellerTier:    tier,
				PromoCode:     promo,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), quote)
		})(cmd, args)
	},
}

func affiliateFlag(cmd *cobra.Command) (*uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("affiliate")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid affiliate id %q", raw)
	}
	return &id, nil
}

func exportFilter(cmd *cobra.Command) (store.LedgerFilter, error) {
	var filter store.LedgerFilter
	affiliateID, err := affiliateFlag(cmd)
	if err != nil {
		return filter, err
	}
	filter.AffiliateID = affiliateID

	if raw, _ := cmd.Flags().GetString("from"); raw != "" {
		from, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid --from %q", raw)
		}
		filter.From = &from
	}
	if raw, _ := cmd.Flags().GetString("to"); raw != "" {
		to, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid --to %q", raw)
		}
		to = to.AddDate(0, 0, 1)
		filter.To = &to
	}
	return filter, nil
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
