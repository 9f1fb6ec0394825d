// Package session layers GSS-API confidentiality over the token codec
// (spec §4.2): every data token's payload is the opaque output of the
// established context's wrap primitive, and is unwrapped symmetrically
// on receipt. Everything above this layer (the v1/v2 message codecs)
// never sees raw wire bytes.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-remctl/remctl/internal/gssapi"
	"github.com/go-remctl/remctl/internal/token"
)

// ErrBadToken marks a received token whose flags are not a well-formed
// data token for this session's negotiated version — a v2 session server
// loop reports this to the peer as BadToken rather than tearing down.
var ErrBadToken = errors.New("session: malformed token flags")

type tokenConn interface {
	Send(ctx context.Context, flags token.Flag, payload []byte) error
	Recv(ctx context.Context, maxLength int) (token.Token, error)
}

// SecureConn is a tokenConn plus the GSS-API context negotiated for it.
// Once built, a session never issues Conn.Send/Recv directly again.
type SecureConn struct {
	conn    tokenConn
	ctx     gssapi.Context
	version int
}

// New wraps an established context and the session's negotiated
// protocol version (1 or 2) for use by SendData/RecvData.
func New(conn tokenConn, gctx gssapi.Context, version int) *SecureConn {
	return &SecureConn{conn: conn, ctx: gctx, version: version}
}

// Version reports the negotiated protocol version.
func (s *SecureConn) Version() int { return s.version }

// SendData wraps plaintext with the context and sends it as a DATA token,
// tagged with PROTOCOL when the session is v2 (spec §4.2, §4.4).
func (s *SecureConn) SendData(ctx context.Context, plaintext []byte) error {
	wrapped, err := s.ctx.Wrap(plaintext)
	if err != nil {
		return fmt.Errorf("%w: wrap: %v", gssapi.ErrSecurity, err)
	}
	flags := token.Data
	if s.version == 2 {
		flags |= token.Protocol
	}
	return s.conn.Send(ctx, flags, wrapped)
}

// RecvData reads one token and unwraps it. It requires the DATA flag
// always, and the PROTOCOL flag in addition when the session is v2;
// either mismatch returns ErrBadToken so the v2 server loop can report it
// to the peer instead of tearing the session down.
func (s *SecureConn) RecvData(ctx context.Context, maxLength int) ([]byte, error) {
	tok, err := s.conn.Recv(ctx, maxLength)
	if err != nil {
		return nil, err
	}
	if !tok.Flags.Has(token.Data) {
		return nil, fmt.Errorf("%w: missing DATA flag (%#x)", ErrBadToken, tok.Flags)
	}
	if s.version == 2 && !tok.Flags.Has(token.Protocol) {
		return nil, fmt.Errorf("%w: missing PROTOCOL flag (%#x)", ErrBadToken, tok.Flags)
	}
	plain, err := s.ctx.Unwrap(tok.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %v", gssapi.ErrSecurity, err)
	}
	return plain, nil
}
