// Command remctl-shell is the restricted-shell form of remctl, used as
// an sshd ForceCommand: it reads the command from SSH_ORIGINAL_COMMAND
// (or -c), the caller's identity from REMCTL_USER, and the caller's
// origin from SSH_CLIENT, then dispatches through the same
// configuration/ACL/multiplex path a networked remctld uses, in place
// of a GSS principal.
package main

import (
	"os"

	"github.com/go-remctl/remctl/cmd/remctl-shell/commands"
)

func main() {
	os.Exit(commands.Run(os.Args[1:]))
}
