package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/courier/pkg/courier"
	"github.com/randalmurphal/courier/pkg/courier/msglog"
)

var (
	msgIdentity  string
	msgDirection string
	msgSince     time.Duration
	msgLimit     int
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the message audit log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := msglog.Query{
			Identity:  msgIdentity,
			Direction: msglog.Direction(msgDirection),
			Limit:     msgLimit,
		}
		switch q.Direction {
		case "", msglog.Incoming, msglog.Outgoing:
		default:
			return fmt.Errorf("--direction must be incoming or outgoing")
		}
		if msgSince > 0 {
			q.Since = time.Now().Add(-msgSince)
		}

		opts := settings.Options()
		_, store, closer, err := courier.Stores(cmd.Context(), opts.Store)
		if err != nil {
			return err
		}
		defer closer.Close()

		log, err := msglog.NewLog(store, msglog.WithLogger(newLogger(opts.LogLevel, opts.LogFormat)))
		if err != nil {
			return err
		}
		entries, err := log.Query(cmd.Context(), q)
		if err != nil {
			return fmt.Errorf("querying messages: %w", err)
		}

		if jsonOutput {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tDIR\tPEER\tCOMMAND\tCONTENT")
		for _, e := range entries {
			peer := e.From
			if e.Direction == msglog.Outgoing {
				peer = e.To
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Direction, peer, e.Command, truncate(e.Content, 60))
		}
		return tw.Flush()
	},
}

func init() {
	messagesCmd.Flags().StringVar(&msgIdentity, "identity", "", "only messages from or to this identity")
	messagesCmd.Flags().StringVar(&msgDirection, "direction", "", "incoming or outgoing")
	messagesCmd.Flags().DurationVar(&msgSince, "since", 0, "only messages newer than this (e.g. 24h)")
	messagesCmd.Flags().IntVar(&msgLimit, "limit", 50, "maximum number of messages")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
