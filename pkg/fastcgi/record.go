package fastcgi

import (
	"errors"
	"fmt"
)

// ErrInvalidData is returned (wrapped) when a record violates the FastCGI
// wire format: a bad version, a server-only record type arriving from the
// peer, a malformed BeginRequest role, or any other framing violation.
var ErrInvalidData = errors.New("fastcgi: invalid data")

// ErrInvalidInput is returned (wrapped) when the caller asks the encoder to
// produce something the wire format cannot express: an oversized body, or
// an inbound-only record type.
var ErrInvalidInput = errors.New("fastcgi: invalid input")

// DecodeError reports a framing violation found while decoding a record.
// Decode inspects nothing until the full 8-byte header is buffered, so
// every error it returns is a DecodeError carrying the offending request
// id from that header.
type DecodeError struct {
	RequestID uint16
	Err       error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// NameValue is a single FastCGI name/value pair, used for Params and
// GetValuesResult bodies. Bytes are passed through
// verbatim; callers decide whether/how to interpret them as text.
type NameValue struct {
	Name  []byte
	Value []byte
}

// Body is implemented by every FastCGI record body variant named in the
// data model: BeginRequestBody, AbortRequestBody, EndRequestBody,
// ParamsBody, StdinBody, StdoutBody, StderrBody, DataBody, GetValuesBody,
// GetValuesResultBody, UnknownTypeBody and UnknownTypeResponseBody.
type Body interface {
	recordType() uint8
}

// BeginRequestBody starts a request, naming its role and whether the peer
// wants to reuse the connection afterwards.
type BeginRequestBody struct {
	Role     Role
	KeepConn bool
}

func (BeginRequestBody) recordType() uint8 { return typeBeginRequest }

// AbortRequestBody asks the responder to stop working on a request.
type AbortRequestBody struct{}

func (AbortRequestBody) recordType() uint8 { return typeAbortRequest }

// EndRequestBody concludes a request with an application status and a
// protocol-level outcome.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus ProtocolStatus
}

func (EndRequestBody) recordType() uint8 { return typeEndRequest }

// ParamsBody carries CGI-style request metadata. An empty (nil or
// zero-length) Pairs slice is the end-of-headers sentinel.
type ParamsBody struct {
	Pairs []NameValue
}

func (ParamsBody) recordType() uint8 { return typeParams }

// StdinBody carries request-body bytes. An empty Data is the end-of-stream
// sentinel.
type StdinBody struct{ Data []byte }

func (StdinBody) recordType() uint8 { return typeStdin }

// StdoutBody carries response-body bytes.
type StdoutBody struct{ Data []byte }

func (StdoutBody) recordType() uint8 { return typeStdout }

// StderrBody carries diagnostic bytes, conventionally logged by the web
// server rather than shown to the end user.
type StderrBody struct{ Data []byte }

func (StderrBody) recordType() uint8 { return typeStderr }

// DataBody carries Filter-role input. The codec decodes it but the
// high-level API never surfaces it.
type DataBody struct{ Data []byte }

func (DataBody) recordType() uint8 { return typeData }

// GetValuesBody asks for the value of zero or more named variables. It is a
// request-id-0 management record.
type GetValuesBody struct{ Names [][]byte }

func (GetValuesBody) recordType() uint8 { return typeGetValues }

// GetValuesResultBody answers a GetValues query.
type GetValuesResultBody struct{ Pairs []NameValue }

func (GetValuesResultBody) recordType() uint8 { return typeGetValuesResult }

// UnknownTypeBody is produced when decoding an inbound record whose type
// this package does not recognize. Payload holds the record's raw content
// in case a caller wants to log or forward it.
type UnknownTypeBody struct {
	Type    uint8
	Payload []byte
}

func (UnknownTypeBody) recordType() uint8 { return typeUnknownType }

// UnknownTypeResponseBody is the reply the responder must send when it
// receives a record type it does not recognize.
type UnknownTypeResponseBody struct{ Type uint8 }

func (UnknownTypeResponseBody) recordType() uint8 { return typeUnknownType }

// Record is one fully-decoded FastCGI wire record.
type Record struct {
	RequestID uint16
	Body      Body
}

// isServerOnlyType reports whether t is a record type only this package
// (the responder) may send; receiving one of these from the peer is a
// framing violation.
func isServerOnlyType(t uint8) bool {
	switch t {
	case typeEndRequest, typeStdout, typeStderr, typeGetValuesResult, typeUnknownType:
		return true
	default:
		return false
	}
}

// Decode attempts to parse one record from the front of data. It returns
// the parsed record and the number of bytes consumed. If data does not yet
// hold a complete record, it returns (nil, 0, nil) and leaves data
// conceptually untouched; the caller must not advance its buffer.
//
// Decode never partially consumes a record: either the full header, body
// and padding are present and exactly that many bytes are reported
// consumed, or zero bytes are consumed.
func Decode(data []byte) (*Record, int, error) {
	if len(data) < headerSize {
		return nil, 0, nil
	}
	h := decodeHeader(data[:headerSize])
	if h.version != Version1 {
		return nil, 0, &DecodeError{
			RequestID: h.requestID,
			Err:       fmt.Errorf("%w: unsupported FastCGI version %d", ErrInvalidData, h.version),
		}
	}

	total := headerSize + int(h.contentLength) + int(h.paddingLength)
	if len(data) < total {
		return nil, 0, nil
	}

	content := data[headerSize : headerSize+int(h.contentLength)]

	if isServerOnlyType(h.recordType) {
		return nil, 0, &DecodeError{
			RequestID: h.requestID,
			Err:       fmt.Errorf("%w: record type %d may only be sent by the responder", ErrInvalidData, h.recordType),
		}
	}

	body, err := decodeBody(h.recordType, content)
	if err != nil {
		return nil, 0, &DecodeError{RequestID: h.requestID, Err: err}
	}

	return &Record{RequestID: h.requestID, Body: body}, total, nil
}

func decodeBody(recordType uint8, content []byte) (Body, error) {
	switch recordType {
	case typeBeginRequest:
		b, err := decodeBeginRequestBody(content)
		if err != nil {
			return nil, err
		}
		role := Role(b.role)
		if !role.valid() {
			return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidData, b.role)
		}
		return BeginRequestBody{Role: role, KeepConn: b.flags&flagKeepConn != 0}, nil
	case typeAbortRequest:
		return AbortRequestBody{}, nil
	case typeParams:
		pairs, err := decodeNameValues(content)
		if err != nil {
			return nil, err
		}
		return ParamsBody{Pairs: pairs}, nil
	case typeStdin:
		return StdinBody{Data: cloneBytes(content)}, nil
	case typeData:
		return DataBody{Data: cloneBytes(content)}, nil
	case typeGetValues:
		names, err := decodeNames(content)
		if err != nil {
			return nil, err
		}
		return GetValuesBody{Names: names}, nil
	default:
		return UnknownTypeBody{Type: recordType, Payload: cloneBytes(content)}, nil
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func decodeNameValues(data []byte) ([]NameValue, error) {
	var pairs []NameValue
	pos := 0
	for pos < len(data) {
		nameLen, n := decodeLength(data[pos:])
		if n == 0 {
			return nil, fmt.Errorf("%w: truncated name length", ErrInvalidData)
		}
		pos += n

		valueLen, n := decodeLength(data[pos:])
		if n == 0 {
			return nil, fmt.Errorf("%w: truncated value length", ErrInvalidData)
		}
		pos += n

		if pos+nameLen+valueLen > len(data) {
			return nil, fmt.Errorf("%w: truncated name/value pair", ErrInvalidData)
		}
		name := cloneBytes(data[pos : pos+nameLen])
		pos += nameLen
		value := cloneBytes(data[pos : pos+valueLen])
		pos += valueLen

		pairs = append(pairs, NameValue{Name: name, Value: value})
	}
	return pairs, nil
}

// decodeNames parses a GetValues record's content: the same name-value
// pair encoding as Params, but every value is the empty string, so only the
// names are kept.
func decodeNames(data []byte) ([][]byte, error) {
	pairs, err := decodeNameValues(data)
	if err != nil {
		return nil, err
	}
	names := make([][]byte, len(pairs))
	for i, p := range pairs {
		names[i] = p.Name
	}
	return names, nil
}

// Encode appends the wire representation of r to buf and returns the
// extended slice. It writes exactly one record. It fails if the body's
// content would exceed MaxContentLength, or if Body is an inbound-only
// type (BeginRequest/AbortRequest/Params/Stdin/Data/GetValues are
// inbound-only from the responder's point of view; a responder only ever
// encodes Stdout/Stderr/EndRequest/GetValuesResult/UnknownTypeResponse).
func Encode(buf []byte, r Record) ([]byte, error) {
	var content []byte
	switch b := r.Body.(type) {
	case EndRequestBody:
		var raw [8]byte
		endRequestBody{appStatus: b.AppStatus, protocolStatus: b.ProtocolStatus}.encode(raw[:])
		content = raw[:]
	case StdoutBody:
		content = b.Data
	case StderrBody:
		content = b.Data
	case GetValuesResultBody:
		content = encodeNameValues(nil, b.Pairs)
	case UnknownTypeResponseBody:
		var raw [8]byte
		raw[0] = b.Type
		content = raw[:]
	default:
		return nil, fmt.Errorf("%w: record type %T cannot be encoded by a responder", ErrInvalidInput, r.Body)
	}

	if len(content) > MaxContentLength {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", ErrInvalidInput, len(content), MaxContentLength)
	}

	padding := paddingFor(len(content))
	h := header{
		version:       Version1,
		recordType:    r.Body.recordType(),
		requestID:     r.RequestID,
		contentLength: uint16(len(content)),
		paddingLength: uint8(padding),
	}

	start := len(buf)
	buf = append(buf, make([]byte, headerSize)...)
	h.encode(buf[start:])
	buf = append(buf, content...)
	for i := 0; i < padding; i++ {
		buf = append(buf, 0)
	}
	return buf, nil
}

func encodeNameValues(buf []byte, pairs []NameValue) []byte {
	for _, p := range pairs {
		buf = encodeLength(buf, len(p.Name))
		buf = encodeLength(buf, len(p.Value))
		buf = append(buf, p.Name...)
		buf = append(buf, p.Value...)
	}
	return buf
}
