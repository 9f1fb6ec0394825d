// Command remctl is the remctl client: it opens a connection, submits
// one command, streams back its output, and exits with its status.
package main

import (
	"fmt"
	"os"

	"github.com/go-remctl/remctl/cmd/remctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode())
	}
}
