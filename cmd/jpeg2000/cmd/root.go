// Package cmd implements the jpeg2000 command-line tool: thin cobra
// subcommands around the github.com/corej2k/jpeg2000 library, plus the
// CLI-only concerns (logging, exit code classification) the core
// library deliberately stays out of.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	jpeg2000 "github.com/corej2k/jpeg2000"
)

// Exit codes shared by encode, decode and validate.
const (
	ExitOK        = 0
	ExitIOError   = 1
	ExitParameter = 2
	ExitInternal  = 3
)

// NewRoot builds the jpeg2000 root command with its subcommands.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "jpeg2000",
		Short:         "Encode, decode and validate JPEG 2000 images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")
			configureLogging(level, logFile)
		},
	}
	pf := root.PersistentFlags()
	pf.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("log-file", "", "rotate logs to this file instead of stderr")

	root.AddCommand(newEncodeCmd(), newDecodeCmd(), newValidateCmd())
	return root
}

// classifyExitCode maps an error returned from the core library (or
// from CLI-level I/O) to one of the documented exit codes.
func classifyExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var formatErr *jpeg2000.FormatError
	var paramErr *jpeg2000.ParameterError
	switch {
	case errors.As(err, &paramErr):
		return ExitParameter
	case errors.As(err, &formatErr):
		return ExitParameter
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission), errors.Is(err, io.EOF):
		return ExitIOError
	default:
		return ExitInternal
	}
}

// run executes fn, logging and translating its error into a process
// exit. Subcommands recover from panics here so an internal codec bug
// surfaces as exit code 3 rather than a bare stack trace.
func run(cmd *cobra.Command, fn func() error) error {
	var exitErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				exitErr = fmt.Errorf("internal error: %v", r)
			}
		}()
		exitErr = fn()
	}()
	if exitErr != nil {
		slog.Error("command failed", "error", exitErr)
		cmd.SilenceUsage = true
		os.Exit(classifyExitCode(exitErr))
	}
	return nil
}
