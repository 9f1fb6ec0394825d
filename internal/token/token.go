// Package token implements the remctl wire framing unit: one byte of
// flags, a four-byte big-endian length, and a payload. It is the lowest
// layer of the protocol stack — everything above it (GSS wrapping, the v1
// and v2 message bodies) is carried as a token payload.
package token

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Flag is a bitfield carried in a token's first byte.
type Flag uint8

const (
	Noop         Flag = 1 << 0
	Context      Flag = 1 << 1
	Data         Flag = 1 << 2
	MIC          Flag = 1 << 3
	ContextNext  Flag = 1 << 4
	SendMIC      Flag = 1 << 5
	Protocol     Flag = 1 << 6
)

// Has reports whether f includes every bit set in mask.
func (f Flag) Has(mask Flag) bool { return f&mask == mask }

// Limits on accepted token length. MaxLength bounds the outer envelope
// (the token as read directly off the transport); MaxV2Length bounds the
// payload of a protocol-v2 inner message, which must leave room for its
// own 4-byte length prefix within a 64KiB token.
const (
	MaxLength   = 1024 * 1024       // 1 MiB, the outer envelope ceiling
	MaxV2Length = 65536 - 4         // 64KiB - 4, a v2 inner message
	headerLen   = 5                 // 1 byte flags + 4 bytes length
	maxRetries  = 100                // consecutive zero-progress I/O attempts
)

// Errors returned by Send and Recv. Callers distinguish these with
// errors.Is; System is the catch-all for I/O failures not covered by the
// more specific sentinels.
var (
	ErrSystem  = errors.New("token: system error")
	ErrTimeout = errors.New("token: operation timed out")
	ErrSocket  = errors.New("token: socket closed")
	ErrEOF     = errors.New("token: peer closed connection")
	ErrInvalid = errors.New("token: invalid token header")
	ErrLarge   = errors.New("token: declared length exceeds maximum")
)

// Token is one framed unit of the wire protocol.
type Token struct {
	Flags   Flag
	Payload []byte
}

// deadlineConn is the subset of net.Conn that Send/Recv need in order to
// impose a whole-operation timeout. *net.TCPConn and every type returned
// by net.Dial/net.Listen satisfy it.
type deadlineConn interface {
	io.Reader
	io.Writer
	SetDeadline(time.Time) error
}

// Send assembles flags and payload into a single frame and writes it to
// conn. If ctx carries a deadline, it is applied to the whole write as a
// single net.Conn deadline; ctx cancellation likewise aborts the write.
// Short writes are retried; after maxRetries consecutive zero-progress
// attempts Send gives up with ErrSystem to avoid livelock.
func Send(ctx context.Context, conn deadlineConn, flags Flag, payload []byte) error {
	if err := applyDeadline(ctx, conn); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(flags)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)

	return writeFull(ctx, conn, buf)
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	stalls := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return classifyCtxErr(err)
		}
		n, err := w.Write(buf[written:])
		if n > 0 {
			written += n
			stalls = 0
		} else {
			stalls++
			if stalls >= maxRetries {
				return fmt.Errorf("%w: no progress after %d attempts", ErrSystem, maxRetries)
			}
		}
		if err != nil {
			if isTimeout(err) {
				return ErrTimeout
			}
			if isClosed(err) {
				return ErrSocket
			}
			return fmt.Errorf("%w: %v", ErrSystem, err)
		}
	}
	return nil
}

// Recv reads exactly one token from conn, rejecting any declared length
// greater than maxLength before allocating a buffer for the payload.
func Recv(ctx context.Context, conn deadlineConn, maxLength int) (Token, error) {
	if err := applyDeadline(ctx, conn); err != nil {
		return Token{}, err
	}
	defer conn.SetDeadline(time.Time{})

	header := make([]byte, headerLen)
	n, err := readFull(ctx, conn, header, true)
	if err != nil {
		return Token{}, err
	}
	if n == 0 {
		return Token{}, ErrEOF
	}
	if n < headerLen {
		return Token{}, ErrInvalid
	}

	flags := Flag(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length > uint32(maxLength) {
		return Token{}, ErrLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(ctx, conn, payload, false); err != nil {
			return Token{}, err
		}
	}
	return Token{Flags: flags, Payload: payload}, nil
}

// readFull reads len(buf) bytes, or fewer if allowShortEOF is true and the
// peer closes before any byte arrives (used only for the header, where a
// clean EOF before the first byte is a normal "no more tokens" signal).
func readFull(ctx context.Context, r io.Reader, buf []byte, allowShortEOF bool) (int, error) {
	read := 0
	stalls := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return read, classifyCtxErr(err)
		}
		n, err := r.Read(buf[read:])
		if n > 0 {
			read += n
			stalls = 0
		} else {
			stalls++
			if stalls >= maxRetries {
				return read, fmt.Errorf("%w: no progress after %d attempts", ErrSystem, maxRetries)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if read == 0 && allowShortEOF {
					return 0, nil
				}
				return read, ErrEOF
			}
			if isTimeout(err) {
				return read, ErrTimeout
			}
			if isClosed(err) {
				return read, ErrSocket
			}
			return read, fmt.Errorf("%w: %v", ErrSystem, err)
		}
	}
	return read, nil
}

func applyDeadline(ctx context.Context, conn deadlineConn) error {
	if err := ctx.Err(); err != nil {
		return classifyCtxErr(err)
	}
	if dl, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(dl)
	}
	return conn.SetDeadline(time.Time{})
}

func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrSystem, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Conn binds Send/Recv to a single underlying transport, giving callers a
// small, mockable interface instead of threading a raw net.Conn through
// every layer above the token codec.
type Conn struct {
	Transport deadlineConn
}

// NewConn wraps a net.Conn (or anything else satisfying deadlineConn).
func NewConn(transport deadlineConn) *Conn {
	return &Conn{Transport: transport}
}

func (c *Conn) Send(ctx context.Context, flags Flag, payload []byte) error {
	return Send(ctx, c.Transport, flags, payload)
}

func (c *Conn) Recv(ctx context.Context, maxLength int) (Token, error) {
	return Recv(ctx, c.Transport, maxLength)
}
