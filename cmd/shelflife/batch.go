package main

import (
	"fmt"
	"io"
	"shelflife/internal/core"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func batchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create, approve and inspect production batches",
	}
	cmd.AddCommand(batchCreateCommand(a), batchApproveCommand(a), batchListCommand(a), batchShowCommand(a))
	return cmd
}

func batchCreateCommand(a *app) *cobra.Command {
	var (
		input    core.BatchInput
		testDate string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new pending batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date, err := parseDate(testDate)
			if err != nil {
				return err
			}
			if date != nil {
				input.TestDate = *date
			}
			batch, err := a.svc.CreateBatch(cmd.Context(), input)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created batch %s (%s)\n", batch.ID, batch.ProductName)
			return err
		},
	}
	cmd.Flags().StringVar(&input.ID, "id", "", "explicit batch id; generated when empty")
	cmd.Flags().StringVar(&input.ProductName, "product", "", "product name (required)")
	cmd.Flags().StringVar(&input.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&testDate, "test-date", "", "test date YYYY-MM-DD; defaults to today")
	cmd.Flags().StringVar(&input.OwnerEmployeeID, "owner", "", "owning employee id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func batchApproveCommand(a *app) *cobra.Command {
	var approvedBy string
	cmd := &cobra.Command{
		Use:   "approve <batch-id>",
		Short: "Approve a batch and cascade approval to its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.ApproveBatch(cmd.Context(), args[0], approvedBy)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "batch %s %s, %d samples transitioned\n", res.BatchID, res.Status, res.SamplesTransitioned)
			return err
		},
	}
	cmd.Flags().StringVar(&approvedBy, "by", "", "approving principal")
	return cmd
}

func batchListCommand(a *app) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			batches, err := a.svc.ListBatchesByOwner(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return writeBatches(cmd.OutOrStdout(), batches)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only batches owned by this employee id")
	return cmd
}

func batchShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := a.svc.GetBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			samples, err := a.svc.ListSamplesByBatch(cmd.Context(), batch.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := writeBatches(out, []core.Batch{batch}); err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
			return writeSamples(out, a.svc, samples)
		},
	}
}

func writeBatches(out io.Writer, batches []core.Batch) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRODUCT\tTEST DATE\tSTATUS\tSAMPLES\tOWNER")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", b.ID, b.ProductName, formatDate(&b.TestDate), b.Status, b.SampleCount, b.OwnerEmployeeID)
	}
	return tw.Flush()
}
