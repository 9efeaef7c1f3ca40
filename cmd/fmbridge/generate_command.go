package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fmbridge/client"
)

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var (
		stream    bool
		maxTokens int
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate [input...]",
		Short: "Run one generation and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.ensureClient()
			if err != nil {
				return err
			}
			input := strings.Join(args, " ")
			opts := client.GenerateOptions{MaxOutputTokens: maxTokens}
			if format != "" {
				if !json.Valid([]byte(format)) {
					return fmt.Errorf("--format is not valid JSON")
				}
				opts.ResponseFormat = json.RawMessage(format)
			}

			out := cmd.OutOrStdout()
			if stream {
				// Deltas are printed as they arrive; the terminal event
				// carries the full text, already printed piecewise.
				_, err := c.GenerateStream(cmd.Context(), input, opts, func(delta string) {
					fmt.Fprint(out, delta)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				return nil
			}

			text, err := c.Generate(cmd.Context(), input, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, text)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "Stream deltas as they arrive")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Cap on output tokens (0 = provider default)")
	cmd.Flags().StringVar(&format, "format", "", "Response format constraint, as JSON")
	return cmd
}
