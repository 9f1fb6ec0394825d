// Package client implements the remctl client session state machine
// (spec §4.5): New → Open → Ready(command pending) → Draining → Ready |
// Closed. A Client dials a server, negotiates a security context and
// protocol version as the GSS-API initiator, and exchanges one command
// at a time with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-remctl/remctl/internal/gssapi"
	"github.com/go-remctl/remctl/internal/handshake"
	"github.com/go-remctl/remctl/internal/session"
	"github.com/go-remctl/remctl/internal/token"
	"github.com/go-remctl/remctl/internal/wire"
)

// DefaultPort is the standard remctl port.
const DefaultPort = 4373

// LegacyPort is tried only when the caller passes port 0 and the dial to
// DefaultPort fails, for compatibility with deployments still listening on
// the pre-IANA port.
const LegacyPort = 4444

// State is a Client's position in the session state machine.
type State int

const (
	StateNew State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrUnsupported is returned by configuration setters that have no
// effect on this build's GSS-API provider.
var ErrUnsupported = errors.New("client: operation not supported by this provider")

// ErrWrongState is returned when an operation is called outside the
// state it requires.
var ErrWrongState = errors.New("client: operation not valid in current state")

// Client is one remctl client session. It is not safe for concurrent
// use: the protocol is strictly sequential, so a Client is used from a
// single goroutine at a time, exactly like the connection it wraps.
type Client struct {
	provider gssapi.Provider

	conn  net.Conn
	sconn *session.SecureConn
	gctx  gssapi.Context

	state     State
	version   int
	lastErr   error
	keepalive bool

	sourceIP string
	timeout  time.Duration

	reasm wire.Reassembler

	// v1DrainStep tracks how many times Output has been called since the
	// last Command, since v1 multiplexes status+data into a single token
	// but the API still yields it as two events (spec §4.5).
	v1DrainStep int
	v1Status    uint8
	v1Remaining []byte
}

// New creates a Client in the New state, using provider to construct the
// GSS-API initiator context when Open is called.
func New(provider gssapi.Provider) *Client {
	return &Client{provider: provider, state: StateNew}
}

// State reports the client's current state.
func (c *Client) State() State { return c.state }

// Version reports the negotiated protocol version. Valid only once Open
// has succeeded.
func (c *Client) Version() int { return c.version }

// LastError returns the most recent error recorded against this
// session, or nil. GSS-API failures and transport errors are preserved
// here even after the call that produced them returns (spec §7).
func (c *Client) LastError() error { return c.lastErr }

// SetSourceIP binds the client's outgoing connection to a specific local
// address. It has no effect once Open has already dialed.
func (c *Client) SetSourceIP(addr string) {
	c.sourceIP = addr
}

// SetTimeout sets the per-operation timeout applied to Open, Command,
// and Output when the caller's context carries no earlier deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetCCache selects a Kerberos credential cache for this process. The
// ticket cache is process-global in the underlying GSS-API mechanism
// (spec §6.2: "setting it affects every in-flight session"); a provider
// that cannot honor credential-cache selection returns ErrUnsupported so
// the caller can fall back to the ambient default cache.
func (c *Client) SetCCache(path string) error {
	type ccacheSetter interface {
		SetCCache(path string) error
	}
	setter, ok := c.provider.(ccacheSetter)
	if !ok {
		return ErrUnsupported
	}
	return setter.SetCCache(path)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Open dials host:port and performs the GSS-API initiator handshake. If
// port is 0 it dials DefaultPort and, if that dial fails, LegacyPort. The
// handshake runs against the given service principal,
// defaulting to "host/<host>" when principal is empty (spec §4.3). On
// success the client transitions to Open.
func (c *Client) Open(ctx context.Context, host string, port int, principal string) error {
	if c.state != StateNew {
		return fmt.Errorf("%w: Open called from state %s", ErrWrongState, c.state)
	}
	fallback := port == 0
	if fallback {
		port = DefaultPort
	}
	if principal == "" {
		principal = "host/" + host
	}

	octx, cancel := c.withTimeout(ctx)
	defer cancel()

	dialer := net.Dialer{}
	if c.sourceIP != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(c.sourceIP)}
	}
	if deadline, ok := octx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conn, err := dialer.DialContext(octx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil && fallback {
		port = LegacyPort
		conn, err = dialer.DialContext(octx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	if err != nil {
		c.lastErr = fmt.Errorf("client: dial %s:%d: %w", host, port, err)
		return c.lastErr
	}

	tconn := token.NewConn(conn)
	result, err := handshake.Initiate(octx, tconn, c.provider, principal)
	if err != nil {
		c.lastErr = err
		conn.Close()
		return err
	}

	c.conn = conn
	c.gctx = result.Context
	c.version = result.Version
	c.sconn = session.New(tconn, result.Context, result.Version)
	c.state = StateOpen
	return nil
}

// Command serializes argv and sends it as one command, fragmenting
// across multiple tokens for protocol v2. For v1, argv must fit a
// single token; a command requiring fragmentation on a v1 session is
// refused, matching the original protocol's limitation (spec §4.5). On
// success the client transitions to Draining.
func (c *Client) Command(ctx context.Context, argv [][]byte) error {
	if c.state != StateOpen {
		return fmt.Errorf("%w: Command called from state %s", ErrWrongState, c.state)
	}
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if c.version == 1 {
		body, err := wire.EncodeCommandV1(argv)
		if err != nil {
			c.lastErr = err
			return err
		}
		if len(body) > token.MaxLength {
			err := fmt.Errorf("client: command too large for a v1 token (%d bytes)", len(body))
			c.lastErr = err
			return err
		}
		if err := c.sconn.SendData(cctx, body); err != nil {
			c.lastErr = err
			return err
		}
		c.v1DrainStep = 0
		c.state = StateDraining
		return nil
	}

	fragments, err := wire.EncodeCommand(argv, c.keepalive, token.MaxV2Length)
	if err != nil {
		c.lastErr = err
		return err
	}
	for _, f := range fragments {
		if err := c.sconn.SendData(cctx, f); err != nil {
			c.lastErr = err
			return err
		}
	}
	c.reasm = wire.Reassembler{}
	c.state = StateDraining
	return nil
}

// EventType classifies one OutputEvent.
type EventType int

const (
	EventOutput EventType = iota
	EventStatus
	EventError
	EventDone
)

// OutputEvent is one message yielded by Output while the session is
// Draining.
type OutputEvent struct {
	Type EventType

	// Stream and Data are populated for EventOutput (1 = stdout, 2 = stderr).
	Stream uint8
	Data   []byte

	// Status is populated for EventStatus.
	Status uint8

	// ErrorCode and ErrorMessage are populated for EventError.
	ErrorCode    wire.ErrorCode
	ErrorMessage string
}

// Output returns the next event of a command's result. Must be called
// only while Draining. On Status or Error it transitions the session
// back to Open (v2) or Closed (v1), since a v1 session carries no Quit
// message and is single-shot.
//
// For v1, the underlying wire format delivers a combined status+output
// token, but this API still surfaces it as the documented two-call
// sequence: the first call decodes that token and yields one Output
// event, the second call yields the buffered Status, and any further
// call yields Done. This is a deliberate reshaping of the original
// client's combined-response parsing, which had visible defects; it is
// not replicated here.
func (c *Client) Output(ctx context.Context) (OutputEvent, error) {
	if c.state != StateDraining {
		return OutputEvent{}, fmt.Errorf("%w: Output called from state %s", ErrWrongState, c.state)
	}
	if c.version == 1 {
		return c.outputV1(ctx)
	}
	return c.outputV2(ctx)
}

func (c *Client) outputV1(ctx context.Context) (OutputEvent, error) {
	switch c.v1DrainStep {
	case 0:
		octx, cancel := c.withTimeout(ctx)
		plain, err := c.sconn.RecvData(octx, token.MaxLength)
		cancel()
		if err != nil {
			c.lastErr = err
			c.state = StateClosed
			return OutputEvent{}, err
		}
		status, output, err := wire.DecodeResponseV1(plain)
		if err != nil {
			c.lastErr = err
			c.state = StateClosed
			return OutputEvent{}, err
		}
		c.v1Status = status
		c.v1Remaining = output
		c.v1DrainStep = 1
		return OutputEvent{Type: EventOutput, Stream: 1, Data: c.v1Remaining}, nil

	case 1:
		c.v1DrainStep = 2
		c.state = StateClosed
		return OutputEvent{Type: EventStatus, Status: c.v1Status}, nil

	default:
		return OutputEvent{Type: EventDone}, nil
	}
}

func (c *Client) outputV2(ctx context.Context) (OutputEvent, error) {
	for {
		octx, cancel := c.withTimeout(ctx)
		plain, err := c.sconn.RecvData(octx, token.MaxV2Length)
		cancel()
		if err != nil {
			c.lastErr = err
			c.state = StateClosed
			return OutputEvent{}, err
		}

		env, err := wire.DecodeEnvelope(plain)
		if err != nil {
			c.lastErr = err
			c.state = StateClosed
			return OutputEvent{}, err
		}

		switch env.Type {
		case wire.MsgOutput:
			stream, data, err := wire.DecodeOutput(env.Body)
			if err != nil {
				c.lastErr = err
				c.state = StateClosed
				return OutputEvent{}, err
			}
			return OutputEvent{Type: EventOutput, Stream: stream, Data: data}, nil

		case wire.MsgStatus:
			status, err := wire.DecodeStatus(env.Body)
			if err != nil {
				c.lastErr = err
				c.state = StateClosed
				return OutputEvent{}, err
			}
			c.state = StateOpen
			return OutputEvent{Type: EventStatus, Status: status}, nil

		case wire.MsgError:
			code, msg, err := wire.DecodeError(env.Body)
			if err != nil {
				c.lastErr = err
				c.state = StateClosed
				return OutputEvent{}, err
			}
			c.state = StateOpen
			return OutputEvent{Type: EventError, ErrorCode: code, ErrorMessage: string(msg)}, nil

		case wire.MsgVersion:
			// The server is telling us its ceiling; nothing to act on
			// mid-drain, keep reading.
			continue

		case wire.MsgNoop:
			// A stray Noop reply racing a command's own drain; not part
			// of this command's result, keep reading.
			continue

		default:
			err := fmt.Errorf("client: unexpected message type %d while draining", env.Type)
			c.lastErr = err
			c.state = StateClosed
			return OutputEvent{}, err
		}
	}
}

// Noop sends a Noop message and reads one back, as a connectivity check
// independent of the command/output cycle (spec §4.5). It is valid only
// while Open, not mid-command. Unlike the other operations, Noop
// tolerates failure: a v1 session, an older server that replies with an
// Error or closes the connection instead of echoing Noop, all report
// back as a plain error return without marking the session's lastErr or
// forcing it Closed, so the caller can use failure itself as the signal
// that the server predates this extension and carry on with the session.
func (c *Client) Noop(ctx context.Context) error {
	if c.state != StateOpen {
		return fmt.Errorf("%w: Noop called from state %s", ErrWrongState, c.state)
	}
	if c.version == 1 {
		return ErrUnsupported
	}

	nctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.sconn.SendData(nctx, wire.EncodeNoop()); err != nil {
		return err
	}
	plain, err := c.sconn.RecvData(nctx, token.MaxV2Length)
	if err != nil {
		return err
	}
	env, err := wire.DecodeEnvelope(plain)
	if err != nil {
		return err
	}
	if env.Type != wire.MsgNoop {
		return fmt.Errorf("client: expected Noop reply, got message type %d", env.Type)
	}
	return nil
}

// Quit sends a Quit message (v2 only) and transitions to Closed. On a
// v1 session, which has no Quit message, it is equivalent to Close.
func (c *Client) Quit(ctx context.Context) error {
	if c.state == StateClosed {
		return nil
	}
	if c.version == 2 {
		qctx, cancel := c.withTimeout(ctx)
		err := c.sconn.SendData(qctx, wire.EncodeQuit())
		cancel()
		if err != nil {
			c.lastErr = err
		}
	}
	return c.Close()
}

// Close tears down the transport and the GSS-API context, and
// transitions to Closed. Safe to call more than once.
func (c *Client) Close() error {
	if c.state == StateClosed && c.conn == nil {
		return nil
	}
	c.state = StateClosed
	var err error
	if c.gctx != nil {
		err = c.gctx.Delete()
		c.gctx = nil
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
		c.conn = nil
	}
	return err
}
