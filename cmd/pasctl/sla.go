package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-pas/internal/pas/sla"
)

func slaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "Decision deadline calculations",
	}

	deadlineCmd := &cobra.Command{
		Use:   "deadline SUBMITTED_AT",
		Short: "Print the SLA for a request submitted at an RFC 3339 timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			urgency, _ := cmd.Flags().GetString("urgency")
			extend, _ := cmd.Flags().GetBool("extend")

			submitted, err := sla.ParseTimestamp(args[0])
			if err != nil {
				return err
			}
			s, err := sla.Calculate("cli", sla.UrgencyClass(urgency), submitted)
			if err != nil {
				return err
			}
			if extend {
				if s, err = sla.Extend(s); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				sla.SLA
				Deadline time.Time `json:"deadline"`
			}{s, s.Deadline()})
		},
	}
	deadlineCmd.Flags().String("urgency", string(sla.Standard), "urgent, expedited or standard")
	deadlineCmd.Flags().Bool("extend", false, "Apply the single extension")

	cmd.AddCommand(deadlineCmd)
	return cmd
}
