package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mitmctl/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the local record of intercept verdicts",
	Long: `Inspect the local record of intercept verdicts. Verdicts are recorded
while intercepting with --journal or with the journal enabled in the config.`,
}

var journalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print recent verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := journal.Filter{}
		f.Kind, _ = cmd.Flags().GetString("kind")
		f.DroppedOnly, _ = cmd.Flags().GetBool("dropped")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			f.Since = time.Now().Add(-since)
		}
		return withJournal(cmd, func(j *journal.Journal) error {
			entries, err := j.Recent(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), entries)
		})
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune <age>",
	Short: "Delete verdicts older than age (e.g. 72h)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		age, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		return withJournal(cmd, func(j *journal.Journal) error {
			n, err := j.Prune(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d verdicts\n", n)
			return nil
		})
	},
}

func init() {
	f := journalShowCmd.Flags()
	f.String("kind", "", "only request, response or websocket verdicts")
	f.Bool("dropped", false, "only drops")
	f.Int("limit", 50, "maximum number of verdicts")
	f.Duration("since", 0, "only verdicts from the last duration")

	journalCmd.AddCommand(journalShowCmd)
	journalCmd.AddCommand(journalPruneCmd)
}

// withJournal opens the journal file without contacting the backend.
func withJournal(cmd *cobra.Command, fn func(*journal.Journal) error) error {
	log, logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()
	j, err := journal.Open(cfg.Journal.Path, log)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(j)
}
