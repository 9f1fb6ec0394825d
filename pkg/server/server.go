// Package server implements the remctld side of a connection: the
// acceptor handshake (delegated to internal/handshake), then the v1
// single-command loop or the v2 multi-command dispatch loop (spec §4.8).
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/go-remctl/remctl/internal/gssapi"
	"github.com/go-remctl/remctl/internal/handshake"
	"github.com/go-remctl/remctl/internal/logger"
	"github.com/go-remctl/remctl/internal/metrics"
	"github.com/go-remctl/remctl/internal/session"
	"github.com/go-remctl/remctl/internal/token"
	"github.com/go-remctl/remctl/internal/wire"
	"github.com/go-remctl/remctl/pkg/acl"
	"github.com/go-remctl/remctl/pkg/config"
	"github.com/go-remctl/remctl/pkg/multiplex"
)

// Config bundles everything a Session needs. It is built once at server
// start and shared read-only across every accepted connection (spec §5).
type Config struct {
	Provider          gssapi.Provider
	Rules             []config.Rule
	ACLResolver       acl.Resolver
	InactivityTimeout time.Duration // default one hour
	Metrics           *metrics.Metrics
	// ResolveHost resolves a remote address to a hostname for REMOTE_HOST,
	// if set. A nil func leaves REMOTE_HOST unset, matching "if resolvable".
	ResolveHost func(addr string) (string, bool)
}

// Session serves one accepted TCP connection end to end.
type Session struct {
	cfg  Config
	conn net.Conn
	id   string
}

// NewSession prepares a session for conn. Call Serve to run it.
func NewSession(cfg Config, conn net.Conn) *Session {
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = time.Hour
	}
	return &Session{cfg: cfg, conn: conn, id: uuid.NewString()}
}

// Serve runs the acceptor handshake and then the version-appropriate
// dispatch loop until the connection ends. The inactivity timeout (spec
// §4.8) bounds the whole session, not just the handshake: every
// subsequent token read is given a fresh deadline derived from it, so an
// idle-but-connected client is eventually dropped.
func (s *Session) Serve(parent context.Context) error {
	s.cfg.Metrics.RecordConnection()
	defer s.cfg.Metrics.RecordDisconnect()
	defer s.conn.Close()

	lc := &logger.LogContext{SessionID: s.id, RemoteAddr: s.conn.RemoteAddr().String()}
	ctx := logger.WithContext(parent, lc)

	tconn := token.NewConn(s.conn)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.InactivityTimeout)
	result, err := handshake.Accept(hctx, tconn, s.cfg.Provider)
	cancel()
	if err != nil {
		logger.ErrorCtx(ctx, "handshake failed", "error", err)
		return err
	}

	lc = lc.WithPrincipal(result.PeerName)
	ctx = logger.WithContext(ctx, lc)
	logger.InfoCtx(ctx, "session established", "version", result.Version)
	defer result.Context.Delete()

	sconn := session.New(tconn, result.Context, result.Version)

	id := requestIdentity{
		Principal:  result.PeerName,
		RemoteAddr: s.conn.RemoteAddr().String(),
	}
	if expiry, ok := result.Context.Expiry(); ok {
		id.Expires = expiry
	}
	if s.cfg.ResolveHost != nil {
		if host, ok := s.cfg.ResolveHost(id.RemoteAddr); ok {
			id.RemoteHost = host
		}
	}

	if result.Version == 1 {
		return s.serveV1(ctx, sconn, id)
	}
	return s.serveV2(ctx, sconn, id)
}

// v1OutputCap bounds the combined stdout+stderr buffer a v1 response may
// carry; bytes past it are silently discarded (spec §4.7).
const v1OutputCap = 64 * 1024

// serveV1 reads exactly one command, dispatches it, and closes (spec
// §4.8): v1 has no Quit message and no multi-command loop.
func (s *Session) serveV1(ctx context.Context, sconn *session.SecureConn, id requestIdentity) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.InactivityTimeout)
	plain, err := sconn.RecvData(rctx, token.MaxLength)
	cancel()
	if err != nil {
		return err
	}

	argv, err := wire.DecodeCommandV1(plain)
	if err != nil {
		resp := wire.EncodeResponseV1(255, []byte("Invalid command token\n"))
		return sconn.SendData(ctx, resp)
	}

	var buf []byte
	oc, status, msg, isError := s.dispatch(ctx, argv, id, func(_ multiplex.Stream, chunk []byte) {
		if len(buf) >= v1OutputCap {
			return
		}
		room := v1OutputCap - len(buf)
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		buf = append(buf, chunk...)
	})
	s.cfg.Metrics.RecordCommand(string(oc))

	if isError {
		text := msg + "\n"
		return sconn.SendData(ctx, wire.EncodeResponseV1(255, append(buf, text...)))
	}
	return sconn.SendData(ctx, wire.EncodeResponseV1(uint8(status), buf))
}

// serveV2 loops reading and dispatching messages until Quit, a fatal
// transport/security error, or the inactivity timeout (spec §4.8).
func (s *Session) serveV2(ctx context.Context, sconn *session.SecureConn, id requestIdentity) error {
	var reasm wire.Reassembler

	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.InactivityTimeout)
		plain, err := sconn.RecvData(rctx, token.MaxV2Length)
		cancel()
		if err != nil {
			if errors.Is(err, token.ErrEOF) {
				return nil
			}
			return err
		}

		env, err := wire.DecodeEnvelope(plain)
		if err != nil {
			if sendErr := s.sendErrorV2(ctx, sconn, wire.ErrorBadToken); sendErr != nil {
				return sendErr
			}
			continue
		}
		if env.Version > wire.MaxSupportedVersion && env.Type != wire.MsgNoop {
			if sendErr := sconn.SendData(ctx, wire.EncodeVersion(wire.MaxSupportedVersion)); sendErr != nil {
				return sendErr
			}
			continue
		}

		switch env.Type {
		case wire.MsgQuit:
			return nil

		case wire.MsgNoop:
			if err := sconn.SendData(ctx, wire.EncodeNoop()); err != nil {
				return err
			}

		case wire.MsgCommand:
			frag, err := wire.DecodeCommandFragment(env.Body)
			if err != nil {
				if sendErr := s.sendErrorV2(ctx, sconn, wire.ErrorBadCommand); sendErr != nil {
					return sendErr
				}
				continue
			}
			argv, _, complete, err := reasm.Add(frag)
			if err != nil {
				reasm = wire.Reassembler{}
				if sendErr := s.sendErrorV2(ctx, sconn, wire.ErrorBadCommand); sendErr != nil {
					return sendErr
				}
				continue
			}
			if !complete {
				continue
			}
			reasm = wire.Reassembler{}
			if err := s.runCommandV2(ctx, sconn, argv, id); err != nil {
				return err
			}

		default:
			if err := s.sendErrorV2(ctx, sconn, wire.ErrorUnknownMessage); err != nil {
				return err
			}
		}
	}
}

// maxOutputChunk keeps an Output message within the v2 inner-message
// ceiling (spec §8 scenario 5: "each ≤ 65 532 bytes").
const maxOutputChunk = 65532 - 1 - 4 - 2

// runCommandV2 dispatches one fully-reassembled command and streams its
// result as Output/Status/Error messages.
func (s *Session) runCommandV2(ctx context.Context, sconn *session.SecureConn, argv [][]byte, id requestIdentity) error {
	var sendErr error
	oc, status, msg, isError := s.dispatch(ctx, argv, id, func(stream multiplex.Stream, chunk []byte) {
		if sendErr != nil {
			return
		}
		for off := 0; off < len(chunk); off += maxOutputChunk {
			end := off + maxOutputChunk
			if end > len(chunk) {
				end = len(chunk)
			}
			if err := sconn.SendData(ctx, wire.EncodeOutput(uint8(stream), chunk[off:end])); err != nil {
				sendErr = err
				return
			}
		}
	})
	if sendErr != nil {
		return sendErr
	}
	s.cfg.Metrics.RecordCommand(string(oc))

	if isError {
		code := wire.ErrorInternal
		switch oc {
		case outcomeUnknownCommand:
			code = wire.ErrorUnknownCommand
		case outcomeDenied:
			code = wire.ErrorAccess
		case outcomeNoHelp:
			code = wire.ErrorNoHelp
		}
		return s.sendErrorV2Text(ctx, sconn, code, msg)
	}
	return sconn.SendData(ctx, wire.EncodeStatus(uint8(status)))
}

func (s *Session) sendErrorV2(ctx context.Context, sconn *session.SecureConn, code wire.ErrorCode) error {
	return s.sendErrorV2Text(ctx, sconn, code, code.String())
}

func (s *Session) sendErrorV2Text(ctx context.Context, sconn *session.SecureConn, code wire.ErrorCode, msg string) error {
	return sconn.SendData(ctx, wire.EncodeError(code, []byte(msg)))
}
