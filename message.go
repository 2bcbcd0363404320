package rpcconn

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the purpose of a frame. A single enum byte is
// sufficient since a frame is never simultaneously more than one kind.
type Kind byte

const (
	KindRequest Kind = iota
	KindResponse
	KindFaultResponse
	KindOneWay
	KindStreamPage
	KindStreamAck
	KindStreamCompletion
	KindLogin
	KindLoginResponse
	KindLogout
	KindLogoutResponse
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindFaultResponse:
		return "FaultResponse"
	case KindOneWay:
		return "OneWay"
	case KindStreamPage:
		return "StreamPage"
	case KindStreamAck:
		return "StreamAck"
	case KindStreamCompletion:
		return "StreamCompletion"
	case KindLogin:
		return "Login"
	case KindLoginResponse:
		return "LoginResponse"
	case KindLogout:
		return "Logout"
	case KindLogoutResponse:
		return "LogoutResponse"
	case KindCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// isStreamAux reports whether frames of this kind carry a sequence
// number in their preamble.
func (k Kind) isStreamAux() bool {
	switch k {
	case KindStreamPage, KindStreamAck, KindStreamCompletion:
		return true
	default:
		return false
	}
}

// isReply reports whether frames of this kind are only ever sent in
// answer to a call the sender already registered an Operation for. One
// arriving with no matching CallId is a peer protocol violation, not a
// new inbound call, and must never be routed to the inbound handler.
func (k Kind) isReply() bool {
	switch k {
	case KindResponse, KindFaultResponse,
		KindStreamPage, KindStreamAck, KindStreamCompletion,
		KindLoginResponse, KindLogoutResponse:
		return true
	default:
		return false
	}
}

const (
	// FixedHeaderSize is the compile-time-fixed portion of every frame:
	// 4-byte payload length + 1-byte kind + 1-byte flags.
	FixedHeaderSize = 6
	// FlagContinuation marks a header as a continuation of a payload
	// begun in a prior frame, so a receiver can reassemble a payload
	// larger than one segment without an oversized length prefix.
	FlagContinuation byte = 1 << 0
	// maxCallIDLen bounds the 1-byte CallId-length preamble field.
	maxCallIDLen = 255
)

// Frame is the core's decoded, in-memory representation of one wire
// message: the fixed header plus preamble fields plus an opaque body.
// RxBuffer's parser produces Frames; TxBuffer consumes them.
type Frame struct {
	Kind     Kind
	Flags    byte
	CallId   CallId
	Sequence uint64 // meaningful only when Kind.isStreamAux()
	Body     []byte // Codec-opaque; nil/empty is valid (e.g. StreamCompletion)
}

func (f *Frame) continuation() bool { return f.Flags&FlagContinuation != 0 }

// preambleLen returns the byte length of the CallId+sequence preamble
// that follows the fixed header, before Body.
func (f *Frame) preambleLen() int {
	n := 1 + len(f.CallId)
	if f.Kind.isStreamAux() {
		n += 8
	}
	return n
}

// encodedLen returns the total wire size of f, including the fixed
// header.
func (f *Frame) encodedLen() int {
	return FixedHeaderSize + f.preambleLen() + len(f.Body)
}

// encodeInto writes f's wire representation into dst, which must be at
// least f.encodedLen() bytes. It returns the number of bytes written.
func (f *Frame) encodeInto(dst []byte) (int, error) {
	if len(f.CallId) > maxCallIDLen {
		return 0, NewFaultf(ProtocolViolation, "CallId too long: %d bytes", len(f.CallId))
	}
	payloadLen := f.preambleLen() + len(f.Body)
	total := FixedHeaderSize + payloadLen
	if len(dst) < total {
		return 0, NewFaultf(OtherError, "encode buffer too small: need %d, have %d", total, len(dst))
	}

	binary.BigEndian.PutUint32(dst[0:4], uint32(payloadLen))
	dst[4] = byte(f.Kind)
	dst[5] = f.Flags

	off := FixedHeaderSize
	dst[off] = byte(len(f.CallId))
	off++
	off += copy(dst[off:], f.CallId)
	if f.Kind.isStreamAux() {
		binary.BigEndian.PutUint64(dst[off:off+8], f.Sequence)
		off += 8
	}
	off += copy(dst[off:], f.Body)
	return off, nil
}

// headerPeek is the decoded fixed header, before the preamble/body are
// necessarily fully buffered.
type headerPeek struct {
	payloadLen int
	kind       Kind
	flags      byte
}

// decodeHeader reads the fixed header from the front of buf. buf must
// have at least FixedHeaderSize bytes.
func decodeHeader(buf []byte) headerPeek {
	return headerPeek{
		payloadLen: int(binary.BigEndian.Uint32(buf[0:4])),
		kind:       Kind(buf[4]),
		flags:      buf[5],
	}
}

// decodeFrame decodes a complete frame (header already stripped) whose
// payload bytes are exactly buf[FixedHeaderSize : FixedHeaderSize+h.payloadLen].
func decodeFrame(h headerPeek, payload []byte) (*Frame, error) {
	if len(payload) < 1 {
		return nil, NewFaultf(ProtocolViolation, "truncated preamble")
	}
	callIDLen := int(payload[0])
	off := 1
	if len(payload) < off+callIDLen {
		return nil, NewFaultf(ProtocolViolation, "truncated CallId preamble")
	}
	callID := CallId(payload[off : off+callIDLen])
	off += callIDLen

	f := &Frame{Kind: h.kind, Flags: h.flags, CallId: callID}
	if f.Kind.isStreamAux() {
		if len(payload) < off+8 {
			return nil, NewFaultf(ProtocolViolation, "truncated sequence preamble")
		}
		f.Sequence = binary.BigEndian.Uint64(payload[off : off+8])
		off += 8
	}
	f.Body = payload[off:]
	return f, nil
}
