package main

import (
	"fmt"
	"io"
	"shelflife/internal/core"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func sampleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Submit, reject, delete and inspect samples",
	}
	cmd.AddCommand(
		sampleSubmitCommand(a),
		sampleDeleteCommand(a),
		sampleRejectCommand(a),
		sampleListCommand(a),
		sampleStatusCommand(a),
	)
	return cmd
}

func sampleSubmitCommand(a *app) *cobra.Command {
	var (
		input      core.SampleInput
		maturation string
	)
	cmd := &cobra.Command{
		Use:   "submit <display-id>",
		Short: "Submit a pending sample, optionally into a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(maturation)
			if err != nil {
				return err
			}
			input.DisplayID = args[0]
			input.MaturationDate = date
			sample, err := a.svc.SubmitSample(cmd.Context(), input)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "submitted sample %s\n", sample.DisplayID)
			return err
		},
	}
	cmd.Flags().StringVar(&input.BatchID, "batch", "", "parent batch id")
	cmd.Flags().StringVar(&input.Owner, "owner", "", "sample owner")
	cmd.Flags().StringVar(&maturation, "maturation", "", "maturation date YYYY-MM-DD")
	cmd.Flags().StringVar(&input.SubmittedBy, "submitted-by", "", "submitting principal")
	cmd.Flags().StringVar(&input.ReviewerGroup, "reviewer-group", "", "reviewer group; defaults to engine.reviewer_group")
	return cmd
}

func sampleDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <display-id>",
		Short: "Delete a sample and decrement its batch counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := a.svc.GetSampleByDisplayID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := a.svc.DeleteSample(cmd.Context(), sample.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Warning != nil {
				if _, err := fmt.Fprintf(out, "warning: %v\n", res.Warning); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "deleted sample %s\n", sample.DisplayID)
			return err
		},
	}
}

func sampleRejectCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <display-id>",
		Short: "Reject a pending sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := a.svc.GetSampleByDisplayID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := a.svc.RejectSample(cmd.Context(), sample.ID, reason); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "rejected sample %s\n", sample.DisplayID)
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func sampleListCommand(a *app) *cobra.Command {
	var batchID, submittedBy string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List samples by batch or submitter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				samples []core.Sample
				err     error
			)
			if batchID != "" {
				samples, err = a.svc.ListSamplesByBatch(cmd.Context(), batchID)
			} else {
				samples, err = a.svc.ListSamplesBySubmitter(cmd.Context(), submittedBy)
			}
			if err != nil {
				return err
			}
			return writeSamples(cmd.OutOrStdout(), a.svc, samples)
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "only samples in this batch")
	cmd.Flags().StringVar(&submittedBy, "submitted-by", "", "only samples submitted by this principal")
	return cmd
}

func sampleStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <display-id>",
		Short: "Show the derived status of a sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := a.svc.GetSampleByDisplayID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report := a.svc.DescribeSample(sample, a.svc.Now())
			days := "-"
			if report.DaysRemaining != nil {
				days = fmt.Sprint(*report.DaysRemaining)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (stored %s, maturation %s, days remaining %s)\n",
				sample.DisplayID, report.Status, sample.Status, formatDate(sample.MaturationDate), days)
			return err
		},
	}
}

func writeSamples(out io.Writer, svc *core.Service, samples []core.Sample) error {
	now := svc.Now()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISPLAY ID\tBATCH\tMATURATION\tSTATUS\tDERIVED\tSUBMITTED BY")
	for _, s := range samples {
		batch := "-"
		if s.BatchID != nil {
			batch = *s.BatchID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.DisplayID, batch, formatDate(s.MaturationDate), s.Status, svc.EffectiveStatus(s, now), s.SubmittedBy)
	}
	return tw.Flush()
}
