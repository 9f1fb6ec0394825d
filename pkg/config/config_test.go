package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadBasicRule(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remctl.conf", `
# a comment
test echo /bin/echo ANYUSER
`)
	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "test", rules[0].Command)
	assert.Equal(t, "echo", rules[0].Subcommand)
	assert.Equal(t, "/bin/echo", rules[0].Program)
	assert.Equal(t, []string{"ANYUSER"}, rules[0].ACLs)
}

func TestLoadWithOptionsAndMultipleACLs(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remctl.conf",
		"test cat /bin/cat stdin=last logmask=2,3 user=nobody princ:a@EXAMPLE.ORG princ:b@EXAMPLE.ORG\n")
	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, StdinLast, r.StdinMode)
	assert.Equal(t, []int{2, 3}, r.LogMask)
	assert.Equal(t, "nobody", r.User)
	assert.Equal(t, []string{"princ:a@EXAMPLE.ORG", "princ:b@EXAMPLE.ORG"}, r.ACLs)
}

func TestLoadLineContinuation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remctl.conf", "test echo /bin/echo \\\n    ANYUSER\n")
	rules, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"ANYUSER"}, rules[0].ACLs)
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	sub := writeFile(t, dir, "sub.conf", "test sub /bin/sub ANYUSER\n")
	main := writeFile(t, dir, "main.conf", "include "+sub+"\ntest main /bin/main ANYUSER\n")

	rules, err := Load(main)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "sub", rules[0].Subcommand)
	assert.Equal(t, "main", rules[1].Subcommand)
}

func TestLoadIncludeDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeFile(t, sub, "a", "test a /bin/a ANYUSER\n")
	writeFile(t, sub, "b.bak", "test b /bin/b ANYUSER\n")
	main := writeFile(t, dir, "main.conf", "include "+sub+"\n")

	rules, err := Load(main)
	require.NoError(t, err)
	require.Len(t, rules, 1, "dotted filename inside included directory must be skipped")
	assert.Equal(t, "a", rules[0].Subcommand)
}

func TestLoadRejectsSelfInclusion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cycle.conf")
	require.NoError(t, os.WriteFile(path, []byte("include "+path+"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsRuleWithoutACL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remctl.conf", "test echo /bin/echo\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownOption(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remctl.conf", "test echo /bin/echo usre=bob ANYUSER\n")
	_, err := Load(path)
	require.Error(t, err, "a typo'd key=value option must fail to load, not become a literal ACL entry")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Msg, "usre")
}

func TestResolveFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{Command: "test", Subcommand: "echo", Program: "/bin/one"},
		{Command: "test", Subcommand: "echo", Program: "/bin/two"},
	}
	r, err := Resolve(rules, "test", "echo")
	require.NoError(t, err)
	assert.Equal(t, "/bin/one", r.Program)
}

func TestResolveALLFallback(t *testing.T) {
	rules := []Rule{
		{Command: "test", Subcommand: "specific", Program: "/bin/specific"},
		{Command: "test", Subcommand: "ALL", Program: "/bin/catchall"},
	}
	r, err := Resolve(rules, "test", "anything")
	require.NoError(t, err)
	assert.Equal(t, "/bin/catchall", r.Program)
}

func TestResolveHelpPseudoRuleNeverMatchesDataCommand(t *testing.T) {
	rules := []Rule{
		{Command: "help", Subcommand: "ALL", Program: "/bin/help"},
	}
	_, err := Resolve(rules, "help", "ALL")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveNoMatch(t *testing.T) {
	rules := []Rule{{Command: "test", Subcommand: "echo"}}
	_, err := Resolve(rules, "test", "other")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestMaskedArg(t *testing.T) {
	r := Rule{LogMask: []int{2}}
	assert.True(t, r.MaskedArg(2))
	assert.False(t, r.MaskedArg(1))
}
