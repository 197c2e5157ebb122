package xrdproto

import (
	"encoding/binary"

	"github.com/xrdgo/xrdcl/internal/message"
)

// Request header layout (24 bytes, big-endian):
//   [0:2]   stream ID
//   [2:4]   request code
//   [4:20]  request-specific fields (opaque to the codec, owned by the caller)
//   [20:24] payload length
//
// Response header layout (first 8 bytes of the same 24-byte buffer):
//   [0:2]  stream ID (echoes the request)
//   [2:4]  status
//   [4:8]  payload length

// EncodeRequestHeader fills msg.Header for an outgoing request and sets
// msg.Payload's length into the trailing 4-byte field.
func EncodeRequestHeader(msg *message.Message, sid uint16, code RequestCode, specific [16]byte) {
	binary.BigEndian.PutUint16(msg.Header[0:2], sid)
	binary.BigEndian.PutUint16(msg.Header[2:4], uint16(code))
	copy(msg.Header[4:20], specific[:])
	binary.BigEndian.PutUint32(msg.Header[20:24], uint32(len(msg.Payload)))
}

func DecodeRequestHeader(msg *message.Message) (sid uint16, code RequestCode, specific [16]byte, payloadLen uint32) {
	sid = binary.BigEndian.Uint16(msg.Header[0:2])
	code = RequestCode(binary.BigEndian.Uint16(msg.Header[2:4]))
	copy(specific[:], msg.Header[4:20])
	payloadLen = binary.BigEndian.Uint32(msg.Header[20:24])
	return
}

// EncodeResponseHeader fills the 8-byte response prefix; bytes [8:24] are
// left zeroed (reserved).
func EncodeResponseHeader(msg *message.Message, sid uint16, st RespStatus) {
	binary.BigEndian.PutUint16(msg.Header[0:2], sid)
	binary.BigEndian.PutUint16(msg.Header[2:4], uint16(st))
	binary.BigEndian.PutUint32(msg.Header[4:8], uint32(len(msg.Payload)))
}

func DecodeResponseHeader(msg *message.Message) (sid uint16, st RespStatus, payloadLen uint32) {
	sid = binary.BigEndian.Uint16(msg.Header[0:2])
	st = RespStatus(binary.BigEndian.Uint16(msg.Header[2:4]))
	payloadLen = binary.BigEndian.Uint32(msg.Header[4:8])
	return
}

// DecodeWaitSeconds unpacks a kXR_wait response payload: a 4-byte
// big-endian seconds-to-wait field, optionally followed by a UTF-8 reason
// string the caller is free to ignore.
func DecodeWaitSeconds(payload []byte) (seconds int, ok bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(payload[0:4])), true
}

// RedirectTarget unpacks a kXR_redirect response payload: 4-byte port
// followed by a UTF-8 "host[?cgi]" string, per the wire convention used by
// the original protocol's redirect response.
func RedirectTarget(payload []byte) (host string, port int, extra string, ok bool) {
	if len(payload) < 4 {
		return "", 0, "", false
	}
	port = int(binary.BigEndian.Uint32(payload[0:4]))
	rest := string(payload[4:])
	for i := 0; i < len(rest); i++ {
		if rest[i] == '?' {
			return rest[:i], port, rest[i+1:], true
		}
	}
	return rest, port, "", true
}
