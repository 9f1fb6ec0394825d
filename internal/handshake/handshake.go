// Package handshake drives GSS-API context establishment interleaved with
// token framing (spec §4.3), including the v2-to-v1 negotiation fallback:
// a v2-capable client tags its tokens with the Protocol flag until a
// CONTEXT reply from the peer arrives without that flag, at which point it
// downgrades for the rest of the connection.
package handshake

import (
	"context"
	"fmt"

	"github.com/go-remctl/remctl/internal/gssapi"
	"github.com/go-remctl/remctl/internal/token"
)

// Result is what remains useful to the caller once the handshake
// completes: the established context, the negotiated protocol version,
// and (acceptor only) the peer's display name.
type Result struct {
	Context  gssapi.Context
	Version  int // 1 or 2
	PeerName string // acceptor side only
}

type tokenConn interface {
	Send(ctx context.Context, flags token.Flag, payload []byte) error
	Recv(ctx context.Context, maxLength int) (token.Token, error)
}

// Initiate runs the handshake as the GSS-API initiator (the client). It
// tentatively negotiates protocol v2 by setting the Protocol flag on the
// first token; as soon as any CONTEXT reply from the acceptor lacks that
// flag, the client permanently downgrades to v1 for the remainder of the
// handshake and the session.
func Initiate(ctx context.Context, conn tokenConn, provider gssapi.Provider, targetName string) (Result, error) {
	gctx, err := provider.NewInitiator()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: create initiator context: %w", err)
	}

	version := 2
	flags := token.Noop | token.ContextNext | token.Protocol
	if err := conn.Send(ctx, flags, nil); err != nil {
		return Result{}, fmt.Errorf("handshake: send initial token: %w", err)
	}

	var inputToken []byte
	first := true
	for {
		if !first {
			tok, err := conn.Recv(ctx, token.MaxLength)
			if err != nil {
				_ = gctx.Delete()
				return Result{}, fmt.Errorf("handshake: receive context token: %w", err)
			}
			if !tok.Flags.Has(token.Context) {
				_ = gctx.Delete()
				return Result{}, fmt.Errorf("handshake: expected CONTEXT token, got flags %#x", tok.Flags)
			}
			if version == 2 && !tok.Flags.Has(token.Protocol) {
				version = 1
			}
			inputToken = tok.Payload
		}
		first = false

		result, err := gctx.InitSecContext(targetName, inputToken)
		if err != nil {
			_ = gctx.Delete()
			return Result{}, fmt.Errorf("handshake: %w", err)
		}

		if len(result.OutputToken) > 0 {
			outFlags := token.Context
			if version == 2 {
				outFlags |= token.Protocol
			}
			if err := conn.Send(ctx, outFlags, result.OutputToken); err != nil {
				_ = gctx.Delete()
				return Result{}, fmt.Errorf("handshake: send context token: %w", err)
			}
		}

		if !result.Continue {
			if version == 2 && result.Flags&gssapi.RequiredFlags != gssapi.RequiredFlags {
				_ = gctx.Delete()
				return Result{}, fmt.Errorf("%w: established context is missing required flags", gssapi.ErrSecurity)
			}
			return Result{Context: gctx, Version: version}, nil
		}
	}
}

// Accept runs the handshake as the GSS-API acceptor (the server). The
// initial token's Protocol flag selects v1 vs v2 for the whole session.
func Accept(ctx context.Context, conn tokenConn, provider gssapi.Provider) (Result, error) {
	initial, err := conn.Recv(ctx, token.MaxLength)
	if err != nil {
		return Result{}, fmt.Errorf("handshake: receive initial token: %w", err)
	}

	version := 1
	if initial.Flags.Has(token.Protocol) {
		version = 2
	}

	gctx, err := provider.NewAcceptor()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: create acceptor context: %w", err)
	}

	for {
		tok, err := conn.Recv(ctx, token.MaxLength)
		if err != nil {
			_ = gctx.Delete()
			return Result{}, fmt.Errorf("handshake: receive context token: %w", err)
		}
		if !tok.Flags.Has(token.Context) {
			_ = gctx.Delete()
			return Result{}, fmt.Errorf("handshake: expected CONTEXT token, got flags %#x", tok.Flags)
		}
		result, err := gctx.AcceptSecContext(tok.Payload)
		if err != nil {
			_ = gctx.Delete()
			return Result{}, fmt.Errorf("handshake: %w", err)
		}

		if len(result.OutputToken) > 0 {
			outFlags := token.Context
			if version == 2 {
				outFlags |= token.Protocol
			}
			if err := conn.Send(ctx, outFlags, result.OutputToken); err != nil {
				_ = gctx.Delete()
				return Result{}, fmt.Errorf("handshake: send context token: %w", err)
			}
		}

		if !result.Continue {
			peer, err := gctx.PeerName()
			if err != nil {
				_ = gctx.Delete()
				return Result{}, fmt.Errorf("handshake: peer name: %w", err)
			}
			return Result{Context: gctx, Version: version, PeerName: peer}, nil
		}
	}
}
