// Package commands implements the remctl-shell command line: a
// restricted shell meant to run as an sshd ForceCommand, dispatching
// through the same configuration, ACL, and subprocess machinery as
// remctld without any network or GSS-API layer in between.
package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-remctl/remctl/internal/logger"
	"github.com/go-remctl/remctl/pkg/acl"
	"github.com/go-remctl/remctl/pkg/config"
	"github.com/go-remctl/remctl/pkg/multiplex"
)

// defaultConfigFile is the rule table remctl-shell reads absent -f.
const defaultConfigFile = "/etc/remctl.conf"

// Version is injected at build time.
var Version = "dev"

// Run is the entry point called from main; it returns the process exit
// status rather than calling os.Exit itself, so it can be exercised by
// tests.
func Run(args []string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("remctl-shell", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		command     string
		debug       bool
		configFile  string
		help        bool
		quiet       bool
		stdoutLog   bool
		showVersion bool
	)
	fs.StringVar(&command, "c", "", "command to run, in place of SSH_ORIGINAL_COMMAND")
	fs.BoolVar(&debug, "d", false, "log at debug level")
	fs.StringVar(&configFile, "f", defaultConfigFile, "path to the rule table")
	fs.BoolVar(&help, "h", false, "display usage and exit")
	fs.BoolVar(&quiet, "q", false, "suppress informational logging")
	fs.BoolVar(&stdoutLog, "S", false, "log to stdout/stderr instead of syslog")
	fs.BoolVar(&showVersion, "v", false, "display version and exit")
	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return 255
	}
	if help {
		printUsage(stdout)
		return 0
	}
	if showVersion {
		fmt.Fprintf(stdout, "remctl-shell %s\n", Version)
		return 0
	}

	positional := fs.Args()
	switch {
	case command != "" && len(positional) != 0:
		fmt.Fprintln(stderr, "remctl-shell: -c may not be combined with a user argument")
		printUsage(stderr)
		return 255
	case command == "" && len(positional) != 1:
		fmt.Fprintln(stderr, "remctl-shell: exactly one of -c or a user argument is required")
		printUsage(stderr)
		return 255
	}

	logLevel := "info"
	if debug {
		logLevel = "debug"
	} else if quiet {
		logLevel = "error"
	}
	// There is no syslog target in this build; -S only distinguishes
	// "original wanted syslog" from "original wanted stdout/stderr",
	// and both land on stderr here.
	_ = stdoutLog
	if err := logger.Init(logger.Config{Level: logLevel, Output: "stderr"}); err != nil {
		fmt.Fprintf(stderr, "remctl-shell: %v\n", err)
		return 255
	}

	commandString := command
	if commandString == "" {
		commandString = os.Getenv("SSH_ORIGINAL_COMMAND")
		if commandString == "" {
			fmt.Fprintln(stderr, "remctl-shell: SSH_ORIGINAL_COMMAND not set (remctl-shell must be run via ssh)")
			return 255
		}
	}

	user := os.Getenv("REMCTL_USER")
	if user == "" {
		fmt.Fprintln(stderr, "remctl-shell: REMCTL_USER must be set in the environment via authorized_keys")
		return 255
	}
	sshClient := os.Getenv("SSH_CLIENT")
	if sshClient == "" {
		fmt.Fprintln(stderr, "remctl-shell: SSH_CLIENT not set (remctl-shell must be run via ssh)")
		return 255
	}
	remoteAddr := strings.Fields(sshClient)
	origin := sshClient
	if len(remoteAddr) > 0 {
		origin = remoteAddr[0]
	}

	fields := strings.Fields(commandString)
	if len(fields) < 1 {
		fmt.Fprintln(stderr, "remctl-shell: command requires a type and a service")
		return 255
	}
	if fields[0] != "help" && len(fields) < 2 {
		fmt.Fprintln(stderr, "remctl-shell: command requires a type and a service")
		return 255
	}

	rules, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(stderr, "remctl-shell: load rule table %s: %v\n", configFile, err)
		return 255
	}

	status, err := dispatch(context.Background(), rules, fields, user, origin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "remctl-shell: %v\n", err)
		return 255
	}
	return status
}

// dispatch resolves argv against rules, checks the ACL, and runs the
// matched program, writing its stdout/stderr directly to out/errOut. It
// mirrors pkg/server's dispatch logic but without any wire framing: the
// child's output streams straight through rather than being chunked into
// protocol messages.
//
// argv[0] == "help" is the help/summary pseudo-subcommand, resolved
// against whichever rule carries the cross-referenced help=/summary=
// option rather than matched as an ordinary command.
func dispatch(ctx context.Context, rules []config.Rule, argv []string, principal, origin string, out, errOut io.Writer) (int, error) {
	if argv[0] == "help" {
		return dispatchHelp(ctx, rules, argv[1:], principal, origin, out, errOut)
	}

	typ, service := argv[0], argv[1]

	rule, err := config.Resolve(rules, typ, service)
	if err != nil {
		fmt.Fprintln(errOut, "Unknown command")
		return 255, nil
	}

	return runRule(ctx, rule, typ, argv[2:], principal, origin, out, errOut)
}

// dispatchHelp implements the "help" and "summary" pseudo-subcommands:
// "help <type>" resolves the meta-summary against whichever rule for
// <type> carries a summary= option; "help <type> <service>" resolves the
// meta-help against that specific rule's help= option. Both a rule
// without a summary=/help= value and no matching rule at all are
// reported as "No help available".
func dispatchHelp(ctx context.Context, rules []config.Rule, rest []string, principal, origin string, out, errOut io.Writer) (int, error) {
	switch len(rest) {
	case 1:
		typ := rest[0]
		rule, ok := config.ResolveSummary(rules, typ)
		if !ok {
			fmt.Fprintln(errOut, "No help available")
			return 255, nil
		}
		return runRule(ctx, rule, typ, []string{rule.Summary}, principal, origin, out, errOut)

	case 2:
		typ, service := rest[0], rest[1]
		rule, ok := config.ResolveHelp(rules, typ, service)
		if !ok {
			fmt.Fprintln(errOut, "No help available")
			return 255, nil
		}
		return runRule(ctx, rule, typ, []string{rule.Help}, principal, origin, out, errOut)

	default:
		fmt.Fprintln(errOut, "Unknown command")
		return 255, nil
	}
}

// runRule checks the ACL on rule and, if permitted, runs its program
// with progArgs, writing output directly to out/errOut. Shared by
// ordinary command dispatch and the help/summary pseudo-subcommands.
func runRule(ctx context.Context, rule config.Rule, typ string, progArgs []string, principal, origin string, out, errOut io.Writer) (int, error) {
	permitted, err := acl.Check(rule.ACLs, principal, acl.Resolver{})
	if err != nil || !permitted {
		fmt.Fprintln(errOut, "Access denied")
		return 255, nil
	}

	stdinIdx := -1
	switch rule.StdinMode {
	case config.StdinLast:
		if len(progArgs) > 0 {
			stdinIdx = len(progArgs) - 1
		}
	case config.StdinIndex:
		if idx := rule.StdinArg - 1; idx >= 0 && idx < len(progArgs) {
			stdinIdx = idx
		}
	}

	var stdin []byte
	childArgs := make([]string, 0, len(progArgs)+1)
	childArgs = append(childArgs, rule.Program)
	for i, a := range progArgs {
		if i == stdinIdx {
			stdin = []byte(a)
			continue
		}
		childArgs = append(childArgs, a)
	}

	env := map[string]string{
		"REMUSER":        principal,
		"REMOTE_USER":    principal,
		"REMCTL_COMMAND": typ,
	}
	if origin != "" {
		env["REMOTE_ADDR"] = origin
		env["REMOTE_HOST"] = origin
	}

	result, err := multiplex.Run(ctx, multiplex.Request{
		Program: rule.Program,
		Argv:    childArgs,
		User:    rule.User,
		Stdin:   stdin,
		Env:     env,
	}, func(stream multiplex.Stream, chunk []byte) {
		if stream == multiplex.Stderr {
			errOut.Write(chunk)
		} else {
			out.Write(chunk)
		}
	})
	if err != nil {
		fmt.Fprintln(errOut, "Internal failure")
		return 255, nil
	}
	if result.Signaled {
		fmt.Fprintln(errOut, "Internal failure")
		return 255, nil
	}
	return result.ExitStatus, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: remctl-shell [-dhqSv] [-f file] <user>
       remctl-shell [-dhqSv] [-f file] -c <command>

  -c <command>  Command to run, instead of SSH_ORIGINAL_COMMAND
  -d            Log at debug level
  -f <file>     Path to the rule table (default: %s)
  -h            Display this usage message
  -q            Suppress informational logging
  -S            Log to stdout/stderr instead of syslog
  -v            Display version and exit
`, defaultConfigFile)
}
