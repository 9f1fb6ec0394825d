package server

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-remctl/remctl/internal/gssapi/fakegss"
	"github.com/go-remctl/remctl/internal/handshake"
	"github.com/go-remctl/remctl/internal/session"
	"github.com/go-remctl/remctl/internal/token"
	"github.com/go-remctl/remctl/internal/wire"
	"github.com/go-remctl/remctl/pkg/acl"
	"github.com/go-remctl/remctl/pkg/config"
)

func requirePath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available", name)
	}
	return path
}

func newTestConfig(t *testing.T, rules []config.Rule) Config {
	t.Helper()
	return Config{
		Provider:          &fakegss.Provider{InitiatorName: "test@EXAMPLE.ORG"},
		Rules:             rules,
		ACLResolver:       acl.Resolver{},
		InactivityTimeout: 5 * time.Second,
	}
}

// runV2Client performs the v2 client half of the handshake and returns a
// ready-to-use secure connection.
func runV2Client(t *testing.T, conn net.Conn) *session.SecureConn {
	t.Helper()
	tconn := token.NewConn(conn)
	provider := &fakegss.Provider{InitiatorName: "test@EXAMPLE.ORG"}
	result, err := handshake.Initiate(context.Background(), tconn, provider, "host/test")
	require.NoError(t, err)
	require.Equal(t, 2, result.Version)
	return session.New(tconn, result.Context, result.Version)
}

type v2Reply struct {
	outputs []struct {
		Stream uint8
		Data   []byte
	}
	status *uint8
	errMsg *string
}

func sendCommandV2(t *testing.T, sconn *session.SecureConn, argv [][]byte) v2Reply {
	t.Helper()
	ctx := context.Background()
	fragments, err := wire.EncodeCommand(argv, false, 65532)
	require.NoError(t, err)
	for _, f := range fragments {
		require.NoError(t, sconn.SendData(ctx, f))
	}

	var reply v2Reply
	for {
		plain, err := sconn.RecvData(ctx, token.MaxV2Length)
		require.NoError(t, err)
		env, err := wire.DecodeEnvelope(plain)
		require.NoError(t, err)
		switch env.Type {
		case wire.MsgOutput:
			stream, data, err := wire.DecodeOutput(env.Body)
			require.NoError(t, err)
			reply.outputs = append(reply.outputs, struct {
				Stream uint8
				Data   []byte
			}{stream, data})
		case wire.MsgStatus:
			status, err := wire.DecodeStatus(env.Body)
			require.NoError(t, err)
			reply.status = &status
			return reply
		case wire.MsgError:
			_, msg, err := wire.DecodeError(env.Body)
			require.NoError(t, err)
			s := string(msg)
			reply.errMsg = &s
			return reply
		default:
			t.Fatalf("unexpected message type %d", env.Type)
		}
	}
}

func TestServerHelloScenario(t *testing.T) {
	echo := requirePath(t, "echo")
	rules := []config.Rule{{Command: "test", Subcommand: "foo", Program: echo, ACLs: []string{"ANYUSER"}}}
	cfg := newTestConfig(t, rules)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	sconn := runV2Client(t, clientConn)
	reply := sendCommandV2(t, sconn, [][]byte{[]byte("test"), []byte("foo"), []byte("hello world")})

	require.Nil(t, reply.errMsg)
	require.NotNil(t, reply.status)
	assert.EqualValues(t, 0, *reply.status)
	require.Len(t, reply.outputs, 1)
	assert.EqualValues(t, 1, reply.outputs[0].Stream)
	assert.Equal(t, "hello world\n", string(reply.outputs[0].Data))

	clientConn.Close()
	<-done
}

func TestServerAccessDeniedScenario(t *testing.T) {
	echo := requirePath(t, "echo")
	rules := []config.Rule{{Command: "test", Subcommand: "foo", Program: echo, ACLs: []string{"file:/nonexistent-acl-file"}}}
	cfg := newTestConfig(t, rules)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	sconn := runV2Client(t, clientConn)
	reply := sendCommandV2(t, sconn, [][]byte{[]byte("test"), []byte("foo"), []byte("x")})

	require.NotNil(t, reply.errMsg)
	assert.Equal(t, "Access denied", *reply.errMsg)

	clientConn.Close()
	<-done
}

func TestServerUnknownCommandScenario(t *testing.T) {
	cfg := newTestConfig(t, nil)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	sconn := runV2Client(t, clientConn)
	reply := sendCommandV2(t, sconn, [][]byte{[]byte("ghost"), []byte("x")})

	require.NotNil(t, reply.errMsg)
	assert.Equal(t, "Unknown command", *reply.errMsg)

	clientConn.Close()
	<-done
}

func TestServerStdinRedirectionScenario(t *testing.T) {
	cat := requirePath(t, "cat")
	rules := []config.Rule{{
		Command: "test", Subcommand: "echo", Program: cat,
		StdinMode: config.StdinLast,
		ACLs:      []string{"ANYUSER"},
	}}
	cfg := newTestConfig(t, rules)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	sconn := runV2Client(t, clientConn)
	reply := sendCommandV2(t, sconn, [][]byte{[]byte("test"), []byte("echo"), []byte("input bytes")})

	require.Nil(t, reply.errMsg)
	require.NotNil(t, reply.status)
	assert.EqualValues(t, 0, *reply.status)
	var out []byte
	for _, o := range reply.outputs {
		out = append(out, o.Data...)
	}
	assert.Equal(t, "input bytes", string(out))

	clientConn.Close()
	<-done
}

// TestServerV1FallbackScenario drives the handshake manually (rather than
// through handshake.Initiate, which always tags v2) to exercise the path
// where the initial token's PROTOCOL bit is already clear, matching spec
// §8 scenario 4.
func TestServerV1FallbackScenario(t *testing.T) {
	echo := requirePath(t, "echo")
	rules := []config.Rule{{Command: "test", Subcommand: "echo", Program: echo, ACLs: []string{"ANYUSER"}}}
	cfg := newTestConfig(t, rules)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	ctx := context.Background()
	tconn := token.NewConn(clientConn)
	require.NoError(t, tconn.Send(ctx, token.Noop|token.ContextNext, nil))
	require.NoError(t, tconn.Send(ctx, token.Context, []byte("test@EXAMPLE.ORG")))

	body, err := wire.EncodeCommandV1([][]byte{[]byte("test"), []byte("echo"), []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, tconn.Send(ctx, token.Data, body))

	resp, err := tconn.Recv(ctx, token.MaxLength)
	require.NoError(t, err)
	status, output, err := wire.DecodeResponseV1(resp.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 0, status)
	assert.Equal(t, "hi\n", string(output))

	clientConn.Close()
	<-done
}

// TestServerOversizeArgumentScenario sends a single 200,000-byte argument
// fragmented across exactly four Command tokens, matching spec §8
// scenario 5, and checks the server reassembles it correctly and that
// the echoed reply itself arrives split across more than one Output
// message (each bounded by maxOutputChunk).
func TestServerOversizeArgumentScenario(t *testing.T) {
	cat := requirePath(t, "cat")
	rules := []config.Rule{{
		Command: "test", Subcommand: "big", Program: cat,
		StdinMode: config.StdinLast,
		ACLs:      []string{"ANYUSER"},
	}}
	cfg := newTestConfig(t, rules)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	sconn := runV2Client(t, clientConn)

	bigArg := make([]byte, 200000)
	for i := range bigArg {
		bigArg[i] = byte('a' + i%26)
	}
	argv := [][]byte{[]byte("test"), []byte("big"), bigArg}

	const maxFragment = 50010 // yields exactly 4 fragments for this argv
	fragments, err := wire.EncodeCommand(argv, false, maxFragment)
	require.NoError(t, err)
	require.Len(t, fragments, 4, "expected the command to split into exactly four fragments")

	ctx := context.Background()
	for _, f := range fragments {
		require.NoError(t, sconn.SendData(ctx, f))
	}

	var reply v2Reply
	for {
		plain, err := sconn.RecvData(ctx, token.MaxV2Length)
		require.NoError(t, err)
		env, err := wire.DecodeEnvelope(plain)
		require.NoError(t, err)
		switch env.Type {
		case wire.MsgOutput:
			stream, data, err := wire.DecodeOutput(env.Body)
			require.NoError(t, err)
			require.LessOrEqual(t, len(data), 65532-1-4-2)
			reply.outputs = append(reply.outputs, struct {
				Stream uint8
				Data   []byte
			}{stream, data})
		case wire.MsgStatus:
			status, err := wire.DecodeStatus(env.Body)
			require.NoError(t, err)
			reply.status = &status
		}
		if reply.status != nil {
			break
		}
	}

	require.NotNil(t, reply.status)
	assert.EqualValues(t, 0, *reply.status)
	require.Greater(t, len(reply.outputs), 1, "expected the echoed reply to be chunked across multiple Output messages")

	var out []byte
	for _, o := range reply.outputs {
		out = append(out, o.Data...)
	}
	assert.Equal(t, bigArg, out)

	clientConn.Close()
	<-done
}

// TestServerHelpSummaryScenario drives the "help" pseudo-subcommand
// against a rule carrying both summary= and help=, then against a rule
// with neither configured, and against a type with no matching rule at
// all, matching spec §4.6.
func TestServerHelpSummaryScenario(t *testing.T) {
	echo := requirePath(t, "echo")
	rules := []config.Rule{
		{Command: "test", Subcommand: "foo", Program: echo, ACLs: []string{"ANYUSER"},
			Summary: "test foo - run foo", Help: "test foo <arg> - run foo with arg"},
		{Command: "test", Subcommand: "bar", Program: echo, ACLs: []string{"ANYUSER"}},
	}
	cfg := newTestConfig(t, rules)

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewSession(cfg, serverConn).Serve(context.Background()) }()

	sconn := runV2Client(t, clientConn)

	reply := sendCommandV2(t, sconn, [][]byte{[]byte("help"), []byte("test")})
	require.Nil(t, reply.errMsg)
	require.NotNil(t, reply.status)
	assert.EqualValues(t, 0, *reply.status)
	var out []byte
	for _, o := range reply.outputs {
		out = append(out, o.Data...)
	}
	assert.Equal(t, "test foo - run foo\n", string(out))

	reply = sendCommandV2(t, sconn, [][]byte{[]byte("help"), []byte("test"), []byte("foo")})
	require.Nil(t, reply.errMsg)
	out = nil
	for _, o := range reply.outputs {
		out = append(out, o.Data...)
	}
	assert.Equal(t, "test foo <arg> - run foo with arg\n", string(out))

	reply = sendCommandV2(t, sconn, [][]byte{[]byte("help"), []byte("test"), []byte("bar")})
	require.NotNil(t, reply.errMsg)
	assert.Equal(t, "No help available", *reply.errMsg)

	reply = sendCommandV2(t, sconn, [][]byte{[]byte("help"), []byte("ghost")})
	require.NotNil(t, reply.errMsg)
	assert.Equal(t, "No help available", *reply.errMsg)

	clientConn.Close()
	<-done
}

func TestMain(m *testing.M) {
	// Ensure a PATH is set even under minimal test runners that strip it,
	// since multiplex.Run's child environment is built from it.
	if os.Getenv("PATH") == "" {
		os.Setenv("PATH", "/usr/bin:/bin:"+filepath.Dir(os.Args[0]))
	}
	os.Exit(m.Run())
}
