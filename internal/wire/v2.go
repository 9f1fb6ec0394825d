package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the second byte of every v2 message body.
type MessageType uint8

const (
	MsgCommand MessageType = 1
	MsgQuit    MessageType = 2
	MsgOutput  MessageType = 3
	MsgStatus  MessageType = 4
	MsgError   MessageType = 5
	MsgVersion MessageType = 6
	MsgNoop    MessageType = 7
)

// MessageVersion is the first byte of every v2 message body: the message
// protocol version, independent of (but currently equal to) the
// negotiated session protocol version.
const MessageVersion uint8 = 2

// MaxSupportedVersion is the highest message version this implementation
// understands; a server replies with a Version message when it sees a
// higher one (protocol v3's Noop extension excepted).
const MaxSupportedVersion uint8 = 2

// Continuation marks a Command message as standalone or as one fragment
// of a multi-token command.
type Continuation uint8

const (
	ContinueComplete Continuation = 0
	ContinueFirst    Continuation = 1
	ContinueMiddle   Continuation = 2
	ContinueLast     Continuation = 3
)

// Envelope is the decoded (version, type) header common to every v2
// message, plus the bytes that follow it.
type Envelope struct {
	Version uint8
	Type    MessageType
	Body    []byte
}

// DecodeEnvelope splits a v2 token payload into its header and body.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	if len(payload) < 2 {
		return Envelope{}, fmt.Errorf("wire: v2 payload shorter than header")
	}
	return Envelope{Version: payload[0], Type: MessageType(payload[1]), Body: payload[2:]}, nil
}

func header(t MessageType) []byte {
	return []byte{MessageVersion, byte(t)}
}

// CommandFragment is one piece of a (possibly split) Command message.
type CommandFragment struct {
	Keepalive bool
	Continue  Continuation
	Data      []byte // raw bytes to append to the reassembly buffer
}

// DecodeCommandFragment parses the body of a Command message (the bytes
// after the 2-byte envelope header).
func DecodeCommandFragment(body []byte) (CommandFragment, error) {
	if len(body) < 2 {
		return CommandFragment{}, fmt.Errorf("wire: truncated command header")
	}
	return CommandFragment{
		Keepalive: body[0] != 0,
		Continue:  Continuation(body[1]),
		Data:      body[2:],
	}, nil
}

// EncodeCommand serializes argv as one or more Command message payloads,
// each no larger than maxFragment bytes of token payload (which must
// itself be <= token.MaxV2Length; the caller is responsible for that
// bound). Fragmentation splits the underlying (argc || (len||bytes)*)
// buffer at arbitrary byte boundaries — argc travels only in the first
// fragment, exactly as spec §4.4 requires.
func EncodeCommand(argv [][]byte, keepalive bool, maxFragment int) ([][]byte, error) {
	full, err := EncodeCommandV1(argv)
	if err != nil {
		return nil, err
	}

	const fixedOverhead = 2 + 2 // header + keepalive/continue byte pair
	budget := maxFragment - fixedOverhead
	if budget <= 0 {
		return nil, fmt.Errorf("wire: maxFragment %d too small", maxFragment)
	}

	var ka byte
	if keepalive {
		ka = 1
	}

	if len(full) <= budget {
		payload := make([]byte, 0, fixedOverhead+len(full))
		payload = append(payload, header(MsgCommand)...)
		payload = append(payload, ka, byte(ContinueComplete))
		payload = append(payload, full...)
		return [][]byte{payload}, nil
	}

	var out [][]byte
	for off := 0; off < len(full); off += budget {
		end := off + budget
		if end > len(full) {
			end = len(full)
		}
		var cont Continuation
		switch {
		case off == 0:
			cont = ContinueFirst
		case end == len(full):
			cont = ContinueLast
		default:
			cont = ContinueMiddle
		}
		payload := make([]byte, 0, fixedOverhead+(end-off))
		payload = append(payload, header(MsgCommand)...)
		payload = append(payload, ka, byte(cont))
		payload = append(payload, full[off:end]...)
		out = append(out, payload)
	}
	return out, nil
}

// Reassembler accumulates Command fragments across tokens into a single
// logical command buffer, rejecting interleaved or out-of-order
// continuation markers.
type Reassembler struct {
	buf       []byte
	keepalive bool
	started   bool
	done      bool
}

// Add appends one fragment. It returns the decoded argv and true once the
// command is complete (Continue == Complete or Last); otherwise it returns
// (nil, false, false, nil) and expects more fragments.
func (r *Reassembler) Add(f CommandFragment) (argv [][]byte, keepalive bool, complete bool, err error) {
	if r.done {
		return nil, false, false, fmt.Errorf("wire: fragment received after command already complete")
	}

	switch f.Continue {
	case ContinueComplete:
		if r.started {
			return nil, false, false, fmt.Errorf("wire: unexpected standalone fragment mid-command")
		}
		r.done = true
		argv, err := DecodeCommandV1(f.Data)
		return argv, f.Keepalive, true, err

	case ContinueFirst:
		if r.started {
			return nil, false, false, fmt.Errorf("wire: duplicate first fragment")
		}
		r.started = true
		r.keepalive = f.Keepalive
		r.buf = append(r.buf, f.Data...)
		return nil, false, false, nil

	case ContinueMiddle:
		if !r.started {
			return nil, false, false, fmt.Errorf("wire: middle fragment without a first fragment")
		}
		r.buf = append(r.buf, f.Data...)
		return nil, false, false, nil

	case ContinueLast:
		if !r.started {
			return nil, false, false, fmt.Errorf("wire: last fragment without a first fragment")
		}
		r.buf = append(r.buf, f.Data...)
		r.done = true
		argv, err := DecodeCommandV1(r.buf)
		return argv, r.keepalive, true, err

	default:
		return nil, false, false, fmt.Errorf("wire: unknown continuation value %d", f.Continue)
	}
}

// EncodeQuit returns the (empty-bodied) Quit message payload.
func EncodeQuit() []byte { return header(MsgQuit) }

// EncodeOutput returns an Output message payload for the given stream
// (1 = stdout, 2 = stderr) and data chunk.
func EncodeOutput(stream uint8, data []byte) []byte {
	buf := make([]byte, 2+1+4+len(data))
	copy(buf, header(MsgOutput))
	buf[2] = stream
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(data)))
	copy(buf[7:], data)
	return buf
}

// DecodeOutput parses the body of an Output message.
func DecodeOutput(body []byte) (stream uint8, data []byte, err error) {
	if len(body) < 5 {
		return 0, nil, fmt.Errorf("wire: truncated output message")
	}
	stream = body[0]
	n := binary.BigEndian.Uint32(body[1:5])
	if int(n) != len(body)-5 {
		return 0, nil, fmt.Errorf("wire: output length mismatch")
	}
	return stream, body[5:], nil
}

// EncodeStatus returns a Status message payload.
func EncodeStatus(status uint8) []byte {
	buf := make([]byte, 3)
	copy(buf, header(MsgStatus))
	buf[2] = status
	return buf
}

// DecodeStatus parses the body of a Status message.
func DecodeStatus(body []byte) (uint8, error) {
	if len(body) < 1 {
		return 0, fmt.Errorf("wire: truncated status message")
	}
	return body[0], nil
}

// EncodeError returns an Error message payload.
func EncodeError(code ErrorCode, message []byte) []byte {
	buf := make([]byte, 2+4+4+len(message))
	copy(buf, header(MsgError))
	binary.BigEndian.PutUint32(buf[2:6], uint32(code))
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(message)))
	copy(buf[10:], message)
	return buf
}

// DecodeError parses the body of an Error message.
func DecodeError(body []byte) (code ErrorCode, message []byte, err error) {
	if len(body) < 8 {
		return 0, nil, fmt.Errorf("wire: truncated error message")
	}
	code = ErrorCode(binary.BigEndian.Uint32(body[0:4]))
	n := binary.BigEndian.Uint32(body[4:8])
	if int(n) != len(body)-8 {
		return 0, nil, fmt.Errorf("wire: error message length mismatch")
	}
	return code, body[8:], nil
}

// EncodeVersion returns a Version message payload advertising the
// server's highest supported protocol version.
func EncodeVersion(highest uint8) []byte {
	buf := make([]byte, 3)
	copy(buf, header(MsgVersion))
	buf[2] = highest
	return buf
}

// DecodeVersion parses the body of a Version message.
func DecodeVersion(body []byte) (uint8, error) {
	if len(body) < 1 {
		return 0, fmt.Errorf("wire: truncated version message")
	}
	return body[0], nil
}

// EncodeNoop returns the (empty-bodied) Noop message payload (protocol
// v3's connectivity-check extension; tolerated by v2 peers as an unknown
// message type, understood by v3-capable ones).
func EncodeNoop() []byte { return header(MsgNoop) }
