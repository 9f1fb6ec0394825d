// Package gssapi abstracts the GSS-API primitives remctl needs: name
// import, context establishment (both roles), wrap/unwrap, and peer-name
// display. The interface shape follows the retrieved go-gssapi provider
// library's naming (InitSecContext/AcceptSecContext/Wrap/Unwrap); the
// concrete implementation backing it is in the krb5 subpackage and is
// built on github.com/jcmturner/gokrb5/v8, the same stack the retrieved
// dittofs example uses for its RPCSEC_GSS acceptor.
package gssapi

import (
	"errors"
	"time"
)

// ContextFlags mirrors the GSS-API context flag bitfield requested and
// returned during context establishment.
type ContextFlags uint32

const (
	FlagMutual ContextFlags = 1 << iota
	FlagReplay
	FlagConf
	FlagInteg
)

// RequiredFlags are the flags remctl demands of an established context on
// both ends: mutual authentication, replay detection, confidentiality, and
// integrity protection.
const RequiredFlags = FlagMutual | FlagReplay | FlagConf | FlagInteg

// ErrSecurity indicates a GSS-API failure that must tear the session down:
// a failed unwrap, an aborted handshake, or a completed context missing a
// required flag.
var ErrSecurity = errors.New("gssapi: security failure")

// InitResult is returned by one step of Context.InitSecContext.
type InitResult struct {
	// OutputToken is the token to send to the peer, if any.
	OutputToken []byte
	// Continue is true if another round trip is required.
	Continue bool
	// Flags is populated once the context is fully established.
	Flags ContextFlags
}

// AcceptResult is returned by one step of Context.AcceptSecContext.
type AcceptResult struct {
	OutputToken []byte
	Continue    bool
	Flags       ContextFlags
}

// Context is a single GSS-API security context, used as either initiator
// or acceptor (never both). Implementations are not safe for concurrent
// use; the handshake and per-session wrap/unwrap calls are already
// serialized by the protocol.
type Context interface {
	// InitSecContext advances the initiator side of context
	// establishment. inputToken is the most recent token from the
	// acceptor, or nil on the first call. targetName is a service
	// principal such as "host/server.example.com".
	InitSecContext(targetName string, inputToken []byte) (InitResult, error)

	// AcceptSecContext advances the acceptor side. inputToken is the
	// token just received from the initiator.
	AcceptSecContext(inputToken []byte) (AcceptResult, error)

	// Wrap applies confidentiality and integrity protection to
	// plaintext, for an established context.
	Wrap(plaintext []byte) ([]byte, error)

	// Unwrap reverses Wrap. A corrupt or unauthenticated ciphertext
	// returns an error wrapping ErrSecurity.
	Unwrap(ciphertext []byte) ([]byte, error)

	// PeerName returns a principal's display name: on an acceptor, the
	// remote (initiator's) principal, valid after AcceptSecContext reports
	// completion; on an initiator, its own client principal, valid after
	// InitSecContext reports completion.
	PeerName() (string, error)

	// Expiry returns the established context's credential expiry time, if
	// known. An acceptor reports the initiator's ticket end time; an
	// initiator that cannot observe this returns ok=false.
	Expiry() (t time.Time, ok bool)

	// Delete releases any resources held by the context. Safe to call
	// on a partially established context.
	Delete() error
}

// Provider constructs Context values for a given role. There is one
// production Provider (krb5.Provider) and test code substitutes a fake.
type Provider interface {
	// NewInitiator creates a context for the client side of a handshake.
	NewInitiator() (Context, error)
	// NewAcceptor creates a context for the server side of a handshake,
	// using the provider's configured keytab/service principal.
	NewAcceptor() (Context, error)
}
