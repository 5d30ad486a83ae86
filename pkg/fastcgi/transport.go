package fastcgi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrConnClosed is returned by ReadFrame once the peer has closed its side
// of the connection, and by write operations after the transport adapter
// has dropped its own side per the keep-connection rule.
var ErrConnClosed = errors.New("fastcgi: connection closed")

// Conn is the per-connection transport adapter: it owns the framed byte
// stream for one connection, tracks the set of in-flight request ids, and
// drops the underlying connection once every request seen so far has
// finished and no BeginRequest asked to keep the connection open.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader

	writeMu sync.Mutex
	closed  bool

	bookMu         sync.Mutex
	inFlight       map[uint16]struct{}
	keepConn       bool
	anyRequestSeen bool

	metrics *Metrics

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// SetMetrics attaches a Metrics instance that subsequent reads and writes on
// this connection report to. It is safe to call once, before the connection
// driver starts reading frames.
func (c *Conn) SetMetrics(m *Metrics) { c.metrics = m }

// SetTimeouts arms a read deadline and a write deadline applied before every
// ReadFrame and every outbound write respectively. A zero duration leaves
// the corresponding deadline unset (no timeout), matching net.Conn's own
// zero-value meaning. Call before the connection driver starts reading
// frames.
func (c *Conn) SetTimeouts(readTimeout, writeTimeout time.Duration) {
	c.readTimeout = readTimeout
	c.writeTimeout = writeTimeout
}

// NewConn wraps a byte-stream connection (a Unix-domain or TCP socket, or
// anything else satisfying net.Conn; net.Pipe works well in tests) as a
// FastCGI transport.
func NewConn(netConn net.Conn) *Conn {
	return &Conn{
		netConn:  netConn,
		reader:   bufio.NewReaderSize(netConn, 4096),
		inFlight: make(map[uint16]struct{}),
	}
}

// ReadFrame reads and decodes exactly one frame from the connection,
// blocking until a full record is available. It peeks the 8-byte header to
// learn the record's total on-wire length, then reads that many bytes in
// one shot before decoding, satisfying Decode's atomicity guarantee without
// ever growing an unbounded buffer.
//
// Every decoded BeginMessage or BodyChunk is folded into the in-flight
// bookkeeping before it is returned.
func (c *Conn) ReadFrame() (*Frame, error) {
	if c.readTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	// droppedLocally reports whether this side already closed the
	// transport (keep-connection teardown or Close), which makes the
	// pending read fail with a closed-connection error rather than EOF.
	droppedLocally := func() bool {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.closed
	}

	headerBytes, err := c.reader.Peek(headerSize)
	if err != nil {
		if errors.Is(err, io.EOF) || droppedLocally() {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("fastcgi: peek header: %w", err)
	}
	h := decodeHeader(headerBytes)
	total := headerSize + int(h.contentLength) + int(h.paddingLength)

	raw := make([]byte, total)
	if _, err := io.ReadFull(c.reader, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || droppedLocally() {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("fastcgi: read record: %w", err)
	}

	frame, _, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	c.metrics.recordRead(frameKindLabel(frame.Kind), total)

	// Request id 0 denotes a management record (GetValues); it never
	// represents an in-flight request and must not block the connection
	// from ever becoming eligible for teardown.
	if frame.ID != 0 {
		switch frame.Kind {
		case KindBeginMessage:
			begin := frame.Record.Body.(BeginRequestBody)
			c.bookMu.Lock()
			c.anyRequestSeen = true
			c.inFlight[frame.ID] = struct{}{}
			if begin.KeepConn {
				c.keepConn = true
			}
			c.bookMu.Unlock()
		case KindBodyChunk:
			// Unknown record types are answered out of band with
			// UnknownTypeResponse and never belong to a request, so they
			// must not pin the connection open.
			if _, unknown := frame.Record.Body.(UnknownTypeBody); !unknown {
				c.bookMu.Lock()
				c.anyRequestSeen = true
				c.inFlight[frame.ID] = struct{}{}
				c.bookMu.Unlock()
			}
		}
	}

	return frame, nil
}

// WriteRecord encodes and writes a single outbound record. Writes from
// concurrent handlers are serialized so that one request's records are
// never interleaved with another's at the byte level mid-record.
func (c *Conn) WriteRecord(r Record) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	buf, err := Encode(make([]byte, 0, headerSize+len(contentOf(r.Body))+8), r)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.netConn.Write(buf); err != nil {
		return fmt.Errorf("fastcgi: write record: %w", err)
	}
	c.metrics.bytesOut(len(buf))
	return nil
}

func frameKindLabel(k FrameKind) string {
	switch k {
	case KindBeginMessage:
		return "begin"
	case KindBodyChunk:
		return "body"
	case KindEndOfBody:
		return "end"
	default:
		return "error"
	}
}

func contentOf(b Body) []byte {
	switch v := b.(type) {
	case StdoutBody:
		return v.Data
	case StderrBody:
		return v.Data
	default:
		return nil
	}
}

// WriteEndOfBody is the outbound counterpart of a decoded EndOfBody frame:
// it carries no wire bytes of its own, but it is the signal the connection
// driver sends once a request's termination triple has been fully written,
// so the transport can retire that id from inFlight and evaluate whether
// the connection is now eligible for teardown.
func (c *Conn) WriteEndOfBody(id uint16) error {
	c.writeMu.Lock()
	closed := c.closed
	c.writeMu.Unlock()
	if closed {
		return ErrConnClosed
	}

	c.bookMu.Lock()
	delete(c.inFlight, id)
	shouldClose := c.anyRequestSeen && len(c.inFlight) == 0 && !c.keepConn
	c.bookMu.Unlock()

	if shouldClose {
		c.closeAfterFlush()
	}
	return nil
}

// closeAfterFlush drops the underlying transport. Subsequent reads observe
// ErrConnClosed and subsequent writes are no-ops that report ErrConnClosed.
func (c *Conn) closeAfterFlush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.netConn.Close()
}

// Close tears down the connection unconditionally, regardless of in-flight
// requests or the keep-connection flag. Used for transport errors and
// forced shutdown.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.netConn.Close()
}

// InFlight reports the current set of in-flight request ids, for tests and
// diagnostics. The returned slice is a snapshot.
func (c *Conn) InFlight() []uint16 {
	c.bookMu.Lock()
	defer c.bookMu.Unlock()
	ids := make([]uint16, 0, len(c.inFlight))
	for id := range c.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// KeepConn reports whether any BeginRequest seen so far on this connection
// asked to keep it open.
func (c *Conn) KeepConn() bool {
	c.bookMu.Lock()
	defer c.bookMu.Unlock()
	return c.keepConn
}
