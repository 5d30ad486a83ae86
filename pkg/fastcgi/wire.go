package fastcgi

import (
	"encoding/binary"
	"fmt"
)

// Protocol version understood by this package. FastCGI versions other than
// 1 are rejected at decode time.
const Version1 uint8 = 1

// Record types, as assigned by the FastCGI specification.
const (
	typeBeginRequest    uint8 = 1
	typeAbortRequest    uint8 = 2
	typeEndRequest      uint8 = 3
	typeParams          uint8 = 4
	typeStdin           uint8 = 5
	typeStdout          uint8 = 6
	typeStderr          uint8 = 7
	typeData            uint8 = 8
	typeGetValues       uint8 = 9
	typeGetValuesResult uint8 = 10
	typeUnknownType     uint8 = 11
)

// Role identifies the application role requested by BeginRequest.
type Role uint16

// The three roles defined by the FastCGI specification. Only Responder
// bodies are produced by the handler surface; Authorizer and Filter params
// pass through unchanged.
const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "Responder"
	case RoleAuthorizer:
		return "Authorizer"
	case RoleFilter:
		return "Filter"
	default:
		return fmt.Sprintf("Role(%d)", uint16(r))
	}
}

func (r Role) valid() bool {
	return r == RoleResponder || r == RoleAuthorizer || r == RoleFilter
}

// ProtocolStatus is the outcome code carried in an EndRequest record.
type ProtocolStatus uint8

const (
	StatusRequestComplete    ProtocolStatus = 0
	StatusCantMultiplexConns ProtocolStatus = 1
	StatusOverloaded         ProtocolStatus = 2
	StatusUnknownRole        ProtocolStatus = 3
)

func (s ProtocolStatus) String() string {
	switch s {
	case StatusRequestComplete:
		return "RequestComplete"
	case StatusCantMultiplexConns:
		return "CantMultiplexConnections"
	case StatusOverloaded:
		return "Overloaded"
	case StatusUnknownRole:
		return "UnknownRole"
	default:
		return fmt.Sprintf("ProtocolStatus(%d)", uint8(s))
	}
}

// flagKeepConn is bit 0 of BeginRequest.Flags.
const flagKeepConn uint8 = 1

// headerSize is the fixed length of a FastCGI record header.
const headerSize = 8

// MaxContentLength is the largest content length a single record may carry
// on the wire. Writers fragment larger payloads across multiple records.
const MaxContentLength = 65535

// header is the fixed 8-byte FastCGI record header, network byte order.
type header struct {
	version       uint8
	recordType    uint8
	requestID     uint16
	contentLength uint16
	paddingLength uint8
	reserved      uint8
}

func (h header) encode(buf []byte) {
	buf[0] = h.version
	buf[1] = h.recordType
	binary.BigEndian.PutUint16(buf[2:4], h.requestID)
	binary.BigEndian.PutUint16(buf[4:6], h.contentLength)
	buf[6] = h.paddingLength
	buf[7] = h.reserved
}

func decodeHeader(buf []byte) header {
	return header{
		version:       buf[0],
		recordType:    buf[1],
		requestID:     binary.BigEndian.Uint16(buf[2:4]),
		contentLength: binary.BigEndian.Uint16(buf[4:6]),
		paddingLength: buf[6],
		reserved:      buf[7],
	}
}

// paddingFor returns the number of padding bytes FastCGI convention appends
// after a content length n, rounding the record up to a multiple of 8 bytes.
func paddingFor(n int) int {
	return (8 - (n % 8)) % 8
}

// beginRequestBody is the fixed 8-byte payload of a BeginRequest record.
type beginRequestBody struct {
	role     uint16
	flags    uint8
	reserved [5]byte
}

func (b beginRequestBody) encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], b.role)
	buf[2] = b.flags
	copy(buf[3:8], b.reserved[:])
}

func decodeBeginRequestBody(buf []byte) (beginRequestBody, error) {
	if len(buf) < 8 {
		return beginRequestBody{}, fmt.Errorf("%w: short BeginRequest body (%d bytes)", ErrInvalidData, len(buf))
	}
	b := beginRequestBody{
		role:  binary.BigEndian.Uint16(buf[0:2]),
		flags: buf[2],
	}
	copy(b.reserved[:], buf[3:8])
	return b, nil
}

// endRequestBody is the fixed 8-byte payload of an EndRequest record.
type endRequestBody struct {
	appStatus      uint32
	protocolStatus ProtocolStatus
	reserved       [3]byte
}

func (e endRequestBody) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], e.appStatus)
	buf[4] = uint8(e.protocolStatus)
	copy(buf[5:8], e.reserved[:])
}

// encodeLength appends the FastCGI variable-length integer encoding of n to
// buf: one byte if n < 128, else four big-endian bytes with the high bit of
// the first byte set. Valid for 0 <= n <= 2^31-1.
func encodeLength(buf []byte, n int) []byte {
	if n < 128 {
		return append(buf, byte(n))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|0x80000000)
	return append(buf, b[:]...)
}

// decodeLength decodes a variable-length integer from the front of data,
// returning the value and the number of bytes consumed, or consumed == 0 if
// data does not yet contain a complete length field.
func decodeLength(data []byte) (n int, consumed int) {
	if len(data) == 0 {
		return 0, 0
	}
	if data[0]&0x80 == 0 {
		return int(data[0]), 1
	}
	if len(data) < 4 {
		return 0, 0
	}
	n = int(binary.BigEndian.Uint32(data[0:4]) & 0x7fffffff)
	return n, 4
}
