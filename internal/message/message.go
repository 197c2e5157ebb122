// Package message defines the wire-level Message buffer and the
// request/response plumbing types (SendParams, ResponseHandler) that the
// Stream, Channel, and PostMaster pass around. A Message owns its storage;
// ownership moves from producer to transport to consumer exactly once per
// spec's Data Model (§3).
package message

import (
	"fmt"
	"time"

	"github.com/xrdgo/xrdcl/internal/status"
)

// HeaderSize is the fixed XRootD-style request/response header length.
const HeaderSize = 24

// Message is a contiguous byte buffer: a fixed-size header at offset 0 plus
// an optional payload. Description is an opaque tracing string (request
// name + target, not parsed by anything downstream).
type Message struct {
	Header      [HeaderSize]byte
	Payload     []byte
	Description string
}

// New allocates a Message with the given payload capacity already zeroed.
func New(payloadLen int) *Message {
	return &Message{Payload: make([]byte, payloadLen)}
}

func (m *Message) SetDescription(format string, args ...any) {
	m.Description = fmt.Sprintf(format, args...)
}

// SID reads the 2-byte stream ID conventionally stored at header[0:2].
func (m *Message) SID() uint16 {
	return uint16(m.Header[0])<<8 | uint16(m.Header[1])
}

func (m *Message) SetSID(sid uint16) {
	m.Header[0] = byte(sid >> 8)
	m.Header[1] = byte(sid)
}

func (m *Message) Len() int { return HeaderSize + len(m.Payload) }

// ResponseHandler is the polymorphic capability invoked when a request's
// response (or a terminal error) arrives. Implementations must not block.
type ResponseHandler interface {
	HandleResponse(st status.Status, msg *Message)
}

// ResponseHandlerFunc adapts a plain function to ResponseHandler.
type ResponseHandlerFunc func(st status.Status, msg *Message)

func (f ResponseHandlerFunc) HandleResponse(st status.Status, msg *Message) { f(st, msg) }

// SendParams carries the per-request policy the Stream and File State
// Handler need: absolute expiry, statefulness, and redirect-following.
type SendParams struct {
	Expires         time.Time
	Stateful        bool // disconnection during flight = failure
	FollowRedirects bool
}

// RequestDescriptor bundles a Message with its handler and send params,
// the unit the Channel/Stream actually queue.
type RequestDescriptor struct {
	Msg     *Message
	Handler ResponseHandler
	Params  SendParams
}
