package commands

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return path
}

func writeRuleTable(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "remctl.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRunHelloScenario(t *testing.T) {
	echo := requirePath(t, "echo")
	conf := writeRuleTable(t, "test hello "+echo+" ANYUSER\n")

	t.Setenv("REMCTL_USER", "user@EXAMPLE.ORG")
	t.Setenv("SSH_CLIENT", "127.0.0.1 4321 22")
	t.Setenv("SSH_ORIGINAL_COMMAND", "test hello world")

	var stdout, stderr bytes.Buffer
	status := run([]string{"-f", conf, "user"}, &stdout, &stderr)

	assert.Equal(t, 0, status)
	assert.Equal(t, "world\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestRunAccessDenied(t *testing.T) {
	echo := requirePath(t, "echo")
	conf := writeRuleTable(t, "test hello "+echo+" princ:someoneelse@EXAMPLE.ORG\n")

	t.Setenv("REMCTL_USER", "user@EXAMPLE.ORG")
	t.Setenv("SSH_CLIENT", "127.0.0.1 4321 22")
	t.Setenv("SSH_ORIGINAL_COMMAND", "test hello")

	var stdout, stderr bytes.Buffer
	status := run([]string{"-f", conf, "user"}, &stdout, &stderr)

	assert.Equal(t, 255, status)
	assert.Contains(t, stderr.String(), "Access denied")
}

func TestRunHelpSummaryScenario(t *testing.T) {
	echo := requirePath(t, "echo")
	conf := writeRuleTable(t, "test hello "+echo+" summary=greet-people ANYUSER\n")

	t.Setenv("REMCTL_USER", "user@EXAMPLE.ORG")
	t.Setenv("SSH_CLIENT", "127.0.0.1 4321 22")
	t.Setenv("SSH_ORIGINAL_COMMAND", "help test")

	var stdout, stderr bytes.Buffer
	status := run([]string{"-f", conf, "user"}, &stdout, &stderr)

	assert.Equal(t, 0, status)
	assert.Equal(t, "greet-people\n", stdout.String())
}

func TestRunHelpNoneConfigured(t *testing.T) {
	echo := requirePath(t, "echo")
	conf := writeRuleTable(t, "test hello "+echo+" ANYUSER\n")

	t.Setenv("REMCTL_USER", "user@EXAMPLE.ORG")
	t.Setenv("SSH_CLIENT", "127.0.0.1 4321 22")
	t.Setenv("SSH_ORIGINAL_COMMAND", "help test")

	var stdout, stderr bytes.Buffer
	status := run([]string{"-f", conf, "user"}, &stdout, &stderr)

	assert.Equal(t, 255, status)
	assert.Contains(t, stderr.String(), "No help available")
}

func TestRunUnknownCommand(t *testing.T) {
	conf := writeRuleTable(t, "test hello /bin/true ANYUSER\n")

	t.Setenv("REMCTL_USER", "user@EXAMPLE.ORG")
	t.Setenv("SSH_CLIENT", "127.0.0.1 4321 22")
	t.Setenv("SSH_ORIGINAL_COMMAND", "test nosuch")

	var stdout, stderr bytes.Buffer
	status := run([]string{"-f", conf, "user"}, &stdout, &stderr)

	assert.Equal(t, 255, status)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRunRejectsCommandFlagWithPositionalUser(t *testing.T) {
	var stdout, stderr bytes.Buffer
	status := run([]string{"-c", "test hello", "someuser"}, &stdout, &stderr)

	assert.Equal(t, 255, status)
	assert.Contains(t, stderr.String(), "-c may not be combined")
}

func TestRunRequiresSSHEnvironment(t *testing.T) {
	conf := writeRuleTable(t, "test hello /bin/true ANYUSER\n")

	t.Setenv("REMCTL_USER", "")
	t.Setenv("SSH_CLIENT", "")

	var stdout, stderr bytes.Buffer
	status := run([]string{"-c", "test hello", "-f", conf}, &stdout, &stderr)

	assert.Equal(t, 255, status)
	assert.Contains(t, stderr.String(), "REMCTL_USER")
}

func TestRunVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	status := run([]string{"-v"}, &stdout, &stderr)

	assert.Equal(t, 0, status)
	assert.Contains(t, stdout.String(), "remctl-shell")
}
