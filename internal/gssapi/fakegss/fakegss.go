// Package fakegss is a test double for gssapi.Provider/Context: it
// completes a handshake in one round trip with no cryptography, so
// session-layer and protocol-layer tests can run without a KDC. It must
// never be wired into a production binary.
package fakegss

import (
	"fmt"
	"time"

	"github.com/go-remctl/remctl/internal/gssapi"
)

// Provider issues fake contexts naming the given principals.
type Provider struct {
	// InitiatorName is the display name AcceptSecContext reports for this
	// initiator to its peer, and InitSecContext reports for itself.
	InitiatorName string
	// Expiry, if non-zero, is returned by an acceptor context's Expiry.
	Expiry time.Time
}

func (p *Provider) NewInitiator() (gssapi.Context, error) {
	return &context{name: p.InitiatorName, role: roleInitiator}, nil
}

func (p *Provider) NewAcceptor() (gssapi.Context, error) {
	return &context{role: roleAcceptor, expiry: p.Expiry}, nil
}

type role int

const (
	roleInitiator role = iota
	roleAcceptor
)

type context struct {
	name     string
	role     role
	complete bool
	expiry   time.Time
}

// InitSecContext completes in a single call: it sends the initiator's
// name as the token and considers the context established.
func (c *context) InitSecContext(targetName string, inputToken []byte) (gssapi.InitResult, error) {
	if c.complete {
		return gssapi.InitResult{}, fmt.Errorf("fakegss: InitSecContext called after completion")
	}
	c.complete = true
	return gssapi.InitResult{
		OutputToken: []byte(c.name),
		Continue:    false,
		Flags:       gssapi.RequiredFlags,
	}, nil
}

// AcceptSecContext completes in a single call: inputToken is taken
// verbatim as the peer's display name.
func (c *context) AcceptSecContext(inputToken []byte) (gssapi.AcceptResult, error) {
	if c.complete {
		return gssapi.AcceptResult{}, fmt.Errorf("fakegss: AcceptSecContext called after completion")
	}
	c.complete = true
	c.name = string(inputToken)
	return gssapi.AcceptResult{Flags: gssapi.RequiredFlags}, nil
}

// Wrap is the identity function: fakegss carries no confidentiality.
func (c *context) Wrap(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

// Unwrap is the identity function, matching Wrap.
func (c *context) Unwrap(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

func (c *context) PeerName() (string, error) {
	if !c.complete {
		return "", fmt.Errorf("fakegss: context not established")
	}
	return c.name, nil
}

func (c *context) Expiry() (time.Time, bool) {
	return c.expiry, !c.expiry.IsZero()
}

func (c *context) Delete() error { return nil }
