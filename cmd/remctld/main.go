// Command remctld is the remctl server daemon: it loads a rule table and
// a process-level configuration, then accepts connections and dispatches
// commands through pkg/server.
package main

import (
	"fmt"
	"os"

	"github.com/go-remctl/remctl/cmd/remctld/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
