package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the saved transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := opts.openTranscript(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			msgs, err := store.LoadMessages(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Format(time.DateTime), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of most recent messages (0 for all)")
	return cmd
}

func newWipeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Delete the saved transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := opts.openTranscript(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Wipe(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages from %s\n", n, store.Path())
			return nil
		},
	}
}
