package server

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-remctl/remctl/internal/logger"
	"github.com/go-remctl/remctl/pkg/acl"
	"github.com/go-remctl/remctl/pkg/config"
	"github.com/go-remctl/remctl/pkg/multiplex"
)

// requestIdentity carries everything about the calling session that the
// dispatcher needs but that lives outside the command argv itself.
type requestIdentity struct {
	Principal  string
	RemoteAddr string
	RemoteHost string
	Expires    time.Time
}

// outcome classifies how a dispatched command ended, for metrics and logs.
type outcome string

const (
	outcomeSuccess        outcome = "success"
	outcomeDenied         outcome = "denied"
	outcomeUnknownCommand outcome = "unknown_command"
	outcomeNoHelp         outcome = "no_help"
	outcomeError          outcome = "error"
)

// dispatch resolves argv against the rule table, checks the ACL, and (if
// permitted) runs the subprocess, forwarding output chunks to onOutput as
// they arrive. It returns the outcome classification, used for both
// metrics and the per-protocol response the caller sends.
//
// argv[0] == "help" is the help/summary pseudo-subcommand (spec §4.6):
// it is never matched against the rule table as an ordinary command, but
// dispatched separately to whichever rule carries the cross-referenced
// help=/summary= option.
func (s *Session) dispatch(ctx context.Context, argv [][]byte, id requestIdentity, onOutput multiplex.OutputFunc) (outcome, int, string, bool) {
	if len(argv) < 1 {
		return outcomeError, 0, "command requires a type", true
	}
	if string(argv[0]) == "help" {
		return s.dispatchHelp(ctx, argv[1:], id, onOutput)
	}

	if len(argv) < 2 {
		return outcomeError, 0, "command requires a type and a service", true
	}
	typ, service := string(argv[0]), string(argv[1])

	rule, err := config.Resolve(s.cfg.Rules, typ, service)
	if err != nil {
		logger.WarnCtx(ctx, "unknown command", "type", typ, "service", service)
		return outcomeUnknownCommand, 0, "Unknown command", true
	}

	return s.runRule(ctx, rule, typ, argv[2:], id, onOutput)
}

// dispatchHelp implements the "help" and "summary" pseudo-subcommands
// (spec §4.6): "help <type>" is the meta-summary request, resolved
// against whichever rule for <type> carries a summary= option; "help
// <type> <service>" is the meta-help request, resolved against the
// specific rule's help= option. Both a rule without a summary=/help=
// value and no matching rule at all give a noHelp outcome
// (wire.ErrorNoHelp).
func (s *Session) dispatchHelp(ctx context.Context, rest [][]byte, id requestIdentity, onOutput multiplex.OutputFunc) (outcome, int, string, bool) {
	switch len(rest) {
	case 1:
		typ := string(rest[0])
		rule, ok := config.ResolveSummary(s.cfg.Rules, typ)
		if !ok {
			logger.WarnCtx(ctx, "no summary configured", "type", typ)
			return outcomeNoHelp, 0, "No help available", true
		}
		return s.runRule(ctx, rule, typ, [][]byte{[]byte(rule.Summary)}, id, onOutput)

	case 2:
		typ, service := string(rest[0]), string(rest[1])
		rule, ok := config.ResolveHelp(s.cfg.Rules, typ, service)
		if !ok {
			logger.WarnCtx(ctx, "no help configured", "type", typ, "service", service)
			return outcomeNoHelp, 0, "No help available", true
		}
		return s.runRule(ctx, rule, typ, [][]byte{[]byte(rule.Help)}, id, onOutput)

	default:
		logger.WarnCtx(ctx, "malformed help request", "argc", len(rest))
		return outcomeUnknownCommand, 0, "Unknown command", true
	}
}

// runRule checks the ACL on rule and, if permitted, runs its program with
// progArgs, forwarding output chunks to onOutput. Shared by ordinary
// command dispatch and the help/summary pseudo-subcommands.
func (s *Session) runRule(ctx context.Context, rule config.Rule, typ string, progArgs [][]byte, id requestIdentity, onOutput multiplex.OutputFunc) (outcome, int, string, bool) {
	permitted, err := acl.Check(rule.ACLs, id.Principal, s.cfg.ACLResolver)
	if err != nil {
		logger.WarnCtx(ctx, "acl evaluation failed", "error", err, "type", typ)
		return outcomeDenied, 0, "Access denied", true
	}
	if !permitted {
		logger.WarnCtx(ctx, "access denied", "principal", id.Principal, "type", typ)
		s.cfg.Metrics.RecordACLDenial()
		return outcomeDenied, 0, "Access denied", true
	}

	stdinIdx := stdinArgIndex(rule, progArgs)

	var stdin []byte
	childArgs := make([][]byte, 0, len(progArgs))
	for i, a := range progArgs {
		if i == stdinIdx {
			stdin = a
			continue
		}
		childArgs = append(childArgs, a)
	}

	argvStrs := make([]string, 0, len(childArgs)+1)
	argvStrs = append(argvStrs, filepath.Base(rule.Program))
	for _, a := range childArgs {
		argvStrs = append(argvStrs, string(a))
	}

	env := map[string]string{
		"REMUSER":        id.Principal,
		"REMOTE_USER":    id.Principal,
		"REMCTL_COMMAND": typ,
	}
	if id.RemoteAddr != "" {
		env["REMOTE_ADDR"] = remoteIP(id.RemoteAddr)
	}
	if id.RemoteHost != "" {
		env["REMOTE_HOST"] = id.RemoteHost
	}
	if !id.Expires.IsZero() {
		env["REMOTE_EXPIRES"] = strconv.FormatInt(id.Expires.Unix(), 10)
	}

	start := time.Now()
	result, err := multiplex.Run(ctx, multiplex.Request{
		Program: rule.Program,
		Argv:    argvStrs,
		User:    rule.User,
		Stdin:   stdin,
		Env:     env,
	}, onOutput)
	s.cfg.Metrics.RecordSubprocessDuration(time.Since(start))
	if err != nil {
		logger.ErrorCtx(ctx, "subprocess failed", "error", err, "program", rule.Program)
		return outcomeError, 0, "Internal failure", true
	}
	if result.Signaled {
		logger.WarnCtx(ctx, "subprocess killed by signal", "signal", result.Signal, "program", rule.Program)
		return outcomeError, 0, "Internal failure", true
	}
	return outcomeSuccess, result.ExitStatus, "", false
}

// stdinArgIndex returns the 0-based index into progArgs to redirect to
// the child's stdin, or -1 if the rule carries no stdin= option.
func stdinArgIndex(rule config.Rule, progArgs [][]byte) int {
	switch rule.StdinMode {
	case config.StdinLast:
		if len(progArgs) == 0 {
			return -1
		}
		return len(progArgs) - 1
	case config.StdinIndex:
		idx := rule.StdinArg - 1
		if idx < 0 || idx >= len(progArgs) {
			return -1
		}
		return idx
	default:
		return -1
	}
}

// remoteIP strips the port from a net.Addr-formatted string, falling
// back to the original value if it isn't a host:port pair.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
