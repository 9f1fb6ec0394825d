package config

import "fmt"

// ErrNoMatch is returned by Resolve when no rule matches the request.
var ErrNoMatch = fmt.Errorf("config: no matching rule")

// Resolve performs the linear scan described in spec §4.6: the first
// rule (in file order) whose command equals typ and whose subcommand is
// either "ALL" or equal to service wins.
func Resolve(rules []Rule, typ, service string) (Rule, error) {
	for _, r := range rules {
		if r.Matches(typ, service) {
			return r, nil
		}
	}
	return Rule{}, ErrNoMatch
}

// ResolveSummary finds the rule whose summary= option applies to typ, for
// dispatching the meta-summary command.
func ResolveSummary(rules []Rule, typ string) (Rule, bool) {
	for _, r := range rules {
		if r.Command == typ && r.Summary != "" {
			return r, true
		}
	}
	return Rule{}, false
}

// ResolveHelp finds the rule whose help= option applies to (typ,
// service), for dispatching the meta-help command.
func ResolveHelp(rules []Rule, typ, service string) (Rule, bool) {
	for _, r := range rules {
		if r.Command == typ && r.Subcommand == service && r.Help != "" {
			return r, true
		}
	}
	return Rule{}, false
}

// MaskedArg reports whether the 1-based argument position pos should be
// replaced with **MASKED** in audit logs for this rule.
func (r Rule) MaskedArg(pos int) bool {
	for _, m := range r.LogMask {
		if m == pos {
			return true
		}
	}
	return false
}
