// Command jpeg2000 is the command-line front end for the
// github.com/corej2k/jpeg2000 codec: encode, decode and validate
// subcommands over JP2/J2K files.
package main

import (
	"os"

	"github.com/corej2k/jpeg2000/cmd/jpeg2000/cmd"
)

func main() {
	if err := cmd.NewRoot().Execute(); err != nil {
		os.Exit(cmd.ExitInternal)
	}
}
