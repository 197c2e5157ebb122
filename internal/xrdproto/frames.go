// Package xrdproto implements the Transport Codec (C7): the XRootD wire
// framing, byte-order normalization, and handshake/login exchange. All
// multi-byte integers on the wire are big-endian; this package is the only
// place that knows that.
package xrdproto

import "errors"

// ProtocolVersion is the XRootD client protocol version this codec speaks.
const ProtocolVersion uint32 = 0x00000500

// RequestCode identifies the operation a request header encodes.
type RequestCode uint16

const (
	ReqHandshake RequestCode = iota
	ReqLogin
	ReqAuth
	ReqLocate
	ReqOpen
	ReqClose
	ReqRead
	ReqReadV
	ReqWrite
	ReqSync
	ReqTruncate
	ReqStat
	ReqQuery
	ReqPing
	ReqMkdir
	ReqRmdir
	ReqRm
	ReqChmod
	ReqMv
	ReqDirlist
	ReqProtocol
)

var requestNames = map[RequestCode]string{
	ReqHandshake: "handshake", ReqLogin: "login", ReqAuth: "auth",
	ReqLocate: "locate", ReqOpen: "open", ReqClose: "close", ReqRead: "read",
	ReqReadV: "readv", ReqWrite: "write", ReqSync: "sync",
	ReqTruncate: "truncate", ReqStat: "stat", ReqQuery: "query",
	ReqPing: "ping", ReqMkdir: "mkdir", ReqRmdir: "rmdir", ReqRm: "rm",
	ReqChmod: "chmod", ReqMv: "mv", ReqDirlist: "dirlist", ReqProtocol: "protocol",
}

func (c RequestCode) String() string {
	if n, ok := requestNames[c]; ok {
		return n
	}
	return "unknown-request"
}

// RespStatus is the 2-byte response status field.
type RespStatus uint16

const (
	RespOK RespStatus = iota
	RespOKSoFar
	RespError
	RespRedirect
	RespWait
	RespWaitResp
	RespAuthMore
)

// QuerySubCode enumerates the kXR_Qxxx sub-codes carried in a Query
// request's request-specific header fields, supplementing the core Query
// capability so Visa/Fcntl have a concrete wire encoding (see SPEC_FULL.md
// §4, "Query codes").
type QuerySubCode uint16

const (
	QueryConfig QuerySubCode = iota + 1
	QueryStats
	QueryVisa
	QueryChecksum
	QuerySpace
)

var (
	ErrTruncatedHeader = errors.New("xrdproto: truncated header")
	ErrTruncatedBody   = errors.New("xrdproto: truncated body")
	ErrBadStatus       = errors.New("xrdproto: unrecognized response status")
)
