package main

import (
	"fmt"
	"iter"
	"shelflife/internal/backup"
	"shelflife/internal/blob"
	"shelflife/internal/core"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func windowCommand(a *app) *cobra.Command {
	var (
		start, end string
		pending    bool
	)
	cmd := &cobra.Command{
		Use:   "window",
		Short: "List samples maturing between two dates, inclusive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseDate(start)
			if err != nil {
				return err
			}
			to, err := parseDate(end)
			if err != nil {
				return err
			}
			var seq iter.Seq2[core.Sample, error]
			if pending {
				seq = a.svc.UpcomingMaturations(cmd.Context(), from, to)
			} else {
				seq = a.svc.QueryByMaturationWindow(cmd.Context(), core.MaturationWindow{Start: from, End: to})
			}
			samples, err := core.CollectSamples(seq)
			if err != nil {
				return err
			}
			return writeSamples(cmd.OutOrStdout(), a.svc, samples)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first maturation date YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last maturation date YYYY-MM-DD")
	cmd.Flags().BoolVar(&pending, "pending", false, "only pending samples (notification variant)")
	return cmd
}

func remindersCommand(a *app) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Plan maturation reminders per recipient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseDate(start)
			if err != nil {
				return err
			}
			to, err := parseDate(end)
			if err != nil {
				return err
			}
			var queryErr error
			samples := core.SampleValues(a.svc.UpcomingMaturations(cmd.Context(), from, to), &queryErr)
			grouped, err := a.svc.ReminderCandidates(cmd.Context(), samples)
			if err != nil {
				return err
			}
			if queryErr != nil {
				return queryErr
			}
			recipients := make([]string, 0, len(grouped))
			for r := range grouped {
				recipients = append(recipients, r)
			}
			sort.Strings(recipients)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECIPIENT\tDISPLAY ID\tMATURATION")
			for _, r := range recipients {
				for _, s := range grouped[r] {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r, s.DisplayID, formatDate(s.MaturationDate))
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first maturation date YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last maturation date YYYY-MM-DD")
	return cmd
}

func reconcileCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute batch sample counters and report drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.svc.ReconcileCounters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range report.Corrections {
				if _, err := fmt.Fprintf(out, "corrected %s: %d -> %d\n", c.BatchID, c.Stored, c.Actual); err != nil {
					return err
				}
			}
			for _, id := range report.Orphans {
				if _, err := fmt.Fprintf(out, "orphan sample %s\n", id); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "%d corrections, %d orphans\n", len(report.Corrections), len(report.Orphans))
			return err
		},
	}
}

func backupCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write, list and restore state snapshots",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Write a snapshot of the current state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				mgr, err := a.backupManager(cmd)
				if err != nil {
					return err
				}
				info, err := mgr.Backup(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", info.Key, info.Size)
				return err
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored snapshots",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				mgr, err := a.backupManager(cmd)
				if err != nil {
					return err
				}
				infos, err := mgr.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, info := range infos {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", info.Key, info.Size); err != nil {
						return err
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore [key]",
			Short: "Replace the current state with a snapshot; the newest when no key is given",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, err := a.backupManager(cmd)
				if err != nil {
					return err
				}
				key := ""
				if len(args) == 1 {
					key = args[0]
				} else if key, err = mgr.Latest(cmd.Context()); err != nil {
					return err
				}
				if err := mgr.Restore(cmd.Context(), key); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", key)
				return err
			},
		},
	)
	return cmd
}

func (a *app) backupManager(cmd *cobra.Command) (*backup.Manager, error) {
	blobs, err := blob.Open(cmd.Context(), a.cfg.Backup)
	if err != nil {
		return nil, err
	}
	return backup.NewManager(a.store, blobs, backup.WithPrefix(a.cfg.Backup.Prefix), backup.WithLogger(a.log))
}
