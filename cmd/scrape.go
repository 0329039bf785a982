package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/order-history-scraper/internal/control"
)

// signInPoll is how often one-shot scrapes check whether the site asked the
// user to sign in again.
var signInPoll = time.Second

func newOrdersCmd() *cobra.Command {
	var (
		years    []int
		months   int
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Scrape orders for whole years, recent months or a date range",
		Example: `  orderscraper orders --years 2023,2024
  orderscraper orders --months 3
  orderscraper orders --from 2024-01-01 --to 2024-03-31`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			req, err := ordersRequest(years, months, from, to)
			if err != nil {
				return err
			}
			return runScrape(req)(cmd, appInstance)
		}),
	}
	cmd.Flags().IntSliceVar(&years, "years", nil, "calendar years to scrape")
	cmd.Flags().IntVar(&months, "months", 0, "scrape the last N months up to today")
	cmd.Flags().StringVar(&from, "from", "", "first order date to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last order date to include (YYYY-MM-DD)")
	cmd.MarkFlagsMutuallyExclusive("years", "from")
	cmd.MarkFlagsMutuallyExclusive("years", "to")
	cmd.MarkFlagsMutuallyExclusive("years", "months")
	cmd.MarkFlagsMutuallyExclusive("months", "from")
	cmd.MarkFlagsMutuallyExclusive("months", "to")
	cmd.MarkFlagsRequiredTogether("from", "to")
	return cmd
}

func ordersRequest(years []int, months int, from, to string) (control.Request, error) {
	if len(years) > 0 {
		return control.ScrapeYears{Years: years}, nil
	}
	if months != 0 {
		if months < 0 {
			return nil, fmt.Errorf("--months must be positive")
		}
		return control.ScrapeMonths{Months: months}, nil
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("one of --years, --months or --from and --to is required")
	}
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return nil, fmt.Errorf("--from must be YYYY-MM-DD: %w", err)
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return nil, fmt.Errorf("--to must be YYYY-MM-DD: %w", err)
	}
	return control.ScrapeRange{Start: start, End: end}, nil
}

func newTransactionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transactions",
		Short: "Scrape the payment transaction feed",
		Long: `Walks the payment transactions feed until it reaches transactions already
stored by an earlier run, then prints the merged history.`,
		Args: cobra.NoArgs,
		RunE: withApp(runScrape(control.ScrapeTransactions{})),
	}
}

func newPeriodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "periods",
		Short: "List the years that have orders and the recent-month windows",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCommand(control.GetPeriods{})),
	}
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the page cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached page and the stored transaction history",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCommand(control.ClearCache{})),
	})
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the session cookies held by the fetcher",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCommand(control.ForceLogout{})),
	}
}

// runScrape executes a long-running request. The scrape is aborted when the
// site asks for a fresh sign-in, since a one-shot run has no way to resume.
func runScrape(req control.Request) func(*cobra.Command, App) error {
	return func(cmd *cobra.Command, appInstance App) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go watchSignIn(ctx, appInstance, cmd.ErrOrStderr())
		return printResponse(cmd.OutOrStdout(), appInstance.Handle(ctx, req))
	}
}

func runCommand(req control.Request) func(*cobra.Command, App) error {
	return func(cmd *cobra.Command, appInstance App) error {
		return printResponse(cmd.OutOrStdout(), appInstance.Handle(cmd.Context(), req))
	}
}

func watchSignIn(ctx context.Context, appInstance App, stderr io.Writer) {
	ticker := time.NewTicker(signInPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		update, ok := appInstance.Handle(ctx, control.GetStatistics{}).(control.StatisticsUpdate)
		if !ok || update.SignInURL == "" {
			continue
		}
		fmt.Fprintf(stderr, "sign-in required at %s; export fresh cookies and run again\n", update.SignInURL)
		appInstance.Handle(ctx, control.Abort{})
		return
	}
}

func printResponse(w io.Writer, resp control.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(control.Wrap(resp)); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if failure, ok := resp.(control.Failure); ok {
		if failure.URL != "" {
			return fmt.Errorf("%s failed at %s: %s", failure.Action, failure.URL, failure.Error)
		}
		return fmt.Errorf("%s failed: %s", failure.Action, failure.Error)
	}
	return nil
}
