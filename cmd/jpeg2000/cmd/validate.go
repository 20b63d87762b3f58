package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/corej2k/jpeg2000/internal/validate"
)

func newValidateCmd() *cobra.Command {
	var strict bool

	c := &cobra.Command{
		Use:   "validate <in>",
		Short: "Check a JP2 file's box structure for conformance",
		Args:  cobra.ExactArgs(1),
		// validate has its own two-code exit contract (0 clean, 1 errors
		// found) rather than encode/decode's four-way split, so it
		// doesn't go through the shared run() helper.
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				slog.Error("validate failed", "error", err)
				os.Exit(ExitIOError)
			}
			defer in.Close()

			report, err := validate.Validate(in, strict)
			if err != nil {
				slog.Error("validate failed", "error", err)
				os.Exit(ExitIOError)
			}

			for _, f := range report.Findings {
				fmt.Fprintln(cmd.OutOrStdout(), f.String())
			}
			if !report.OK() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d error(s) found\n", len(report.Errors()))
				os.Exit(ExitIOError)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}

	pf := c.Flags()
	pf.BoolVar(&strict, "strict", false, "promote warnings to errors")
	return c
}
