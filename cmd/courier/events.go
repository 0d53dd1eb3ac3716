package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/courier/pkg/courier"
	"github.com/randalmurphal/courier/pkg/courier/config"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
)

var cleanDays int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the event log",
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventLog(cmd.Context(), func(log *eventlog.Log) error {
			stats, err := log.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading stats: %w", err)
			}
			if jsonOutput {
				return printJSON(stats)
			}
			fmt.Printf("Pending:   %d\n", stats.Pending)
			fmt.Printf("Retrying:  %d\n", stats.Retrying)
			fmt.Printf("Success:   %d\n", stats.Success)
			fmt.Printf("Failed:    %d\n", stats.Failed)
			fmt.Printf("Total:     %d\n", stats.Total)
			return nil
		})
	},
}

var eventsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed events awaiting retry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventLog(cmd.Context(), func(log *eventlog.Log) error {
			records, err := log.FailedEvents(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing failed events: %w", err)
			}
			if jsonOutput {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No failed events.")
				return nil
			}
			printRecords(os.Stdout, records)
			return nil
		})
	},
}

var eventsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete settled events older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days := cleanDays
		if !cmd.Flags().Changed("days") {
			days = settings.Options().Retry.KeepDays
		}
		return withEventLog(cmd.Context(), func(log *eventlog.Log) error {
			removed, err := log.CleanOldEvents(cmd.Context(), days)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int{"removed": removed, "days_to_keep": days})
			}
			fmt.Printf("Removed %d events older than %d days.\n", removed, days)
			return nil
		})
	},
}

func init() {
	eventsCleanCmd.Flags().IntVar(&cleanDays, "days", config.DefaultKeepDays, "days of events to keep (default retry.keep_days)")

	eventsCmd.AddCommand(eventsStatsCmd)
	eventsCmd.AddCommand(eventsFailedCmd)
	eventsCmd.AddCommand(eventsCleanCmd)
}

// withEventLog opens the configured event store for one command.
func withEventLog(ctx context.Context, fn func(*eventlog.Log) error) error {
	opts := settings.Options()
	events, _, closer, err := courier.Stores(ctx, opts.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	log := eventlog.NewLog(events,
		eventlog.WithMaxRetries(opts.Retry.MaxRetries),
		eventlog.WithLogger(newLogger(opts.LogLevel, opts.LogFormat)),
	)
	return fn(log)
}

func printRecords(w io.Writer, records []eventlog.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRETRIES\tCREATED\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Name, r.RetryCount, r.MaxRetries,
			r.CreatedAt.Local().Format(time.DateTime), truncate(r.Error, 60))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
