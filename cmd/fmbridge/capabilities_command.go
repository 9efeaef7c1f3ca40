package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newCapabilitiesCommand(ctx *commandContext) *cobra.Command {
	var recheck bool

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Report whether generation is available on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.ensureClient()
			if err != nil {
				return err
			}
			verdict := c.Availability(cmd.Context())
			if recheck {
				verdict = c.Recheck(cmd.Context())
			}

			tw := table.NewWriter()
			tw.SetStyle(table.StyleRounded)
			tw.AppendHeader(table.Row{"Field", "Value"})
			tw.AppendRow(table.Row{"available", fmt.Sprintf("%t", verdict.Available)})
			if verdict.ReasonCode != "" {
				tw.AppendRow(table.Row{"reason", verdict.ReasonCode})
			}
			if verdict.Model != "" {
				tw.AppendRow(table.Row{"model", verdict.Model})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			return nil
		},
	}

	cmd.Flags().BoolVar(&recheck, "recheck", false, "Discard the cached verdict and check again")
	return cmd
}
