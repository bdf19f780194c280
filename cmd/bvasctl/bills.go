package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-bvas-bills/internal/repository"
	"github.com/pesio-ai/be-bvas-bills/internal/service"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [bill-id]",
		Short: "Recompute and check the approval signature of a bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			bill, err := repository.NewBillRepository(db).GetBill(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st, err := service.VerifyApproval(bill)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return err
			}
			if st.Signed && !st.Valid {
				return fmt.Errorf("signature mismatch for bill %s", bill.ID)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [bill-id]",
		Short: "Print the audit trail of a bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repository.NewBillRepository(db)
			if _, err := repo.GetBill(cmd.Context(), args[0]); err != nil {
				return err
			}
			actions, err := repo.ListActions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tACTION\tROLE\tBY\tREMARKS")
			for _, a := range actions {
				remarks := ""
				if a.Remarks != nil {
					remarks = *a.Remarks
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.CreatedAt.UTC().Format(time.RFC3339), a.Action, a.Role, a.PerformedBy, remarks)
			}
			return tw.Flush()
		},
	}
}
