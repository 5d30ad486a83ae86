package fastcgi

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// writeInbound pushes a web-server-side record onto the client end of a
// pipe. net.Pipe is synchronous, so the write happens on its own goroutine
// while the test drives ReadFrame.
func writeInbound(t *testing.T, clientSide net.Conn, rec Record) {
	t.Helper()
	buf, err := encodeInbound(rec)
	if err != nil {
		t.Fatalf("encodeInbound: %v", err)
	}
	go clientSide.Write(buf)
}

func TestInFlightTracksBeginRequest(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	conn := NewConn(serverSide)

	writeInbound(t, clientSide, Record{RequestID: 1, Body: BeginRequestBody{Role: RoleResponder}})
	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Kind != KindBeginMessage || frame.ID != 1 {
		t.Fatalf("frame = %+v, want BeginMessage id 1", frame)
	}
	if ids := conn.InFlight(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("InFlight = %v, want [1]", ids)
	}
}

func TestConnClosesWhenLastRequestEnds(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	conn := NewConn(serverSide)

	writeInbound(t, clientSide, Record{RequestID: 1, Body: BeginRequestBody{Role: RoleResponder}})
	if _, err := conn.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if err := conn.WriteEndOfBody(1); err != nil {
		t.Fatalf("WriteEndOfBody: %v", err)
	}

	// keep-connection was not requested and no request remains in flight, so
	// the transport must have been dropped: the peer observes EOF and
	// further writes report ErrConnClosed.
	clientSide.SetReadDeadline(time.Now().Add(time.Second))
	var buf [1]byte
	if _, err := clientSide.Read(buf[:]); !errors.Is(err, io.EOF) {
		t.Errorf("peer read after teardown = %v, want io.EOF", err)
	}
	if err := conn.WriteRecord(Record{RequestID: 1, Body: StdoutBody{Data: []byte("x")}}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("WriteRecord after teardown = %v, want ErrConnClosed", err)
	}
}

func TestKeepConnPreventsTeardown(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	conn := NewConn(serverSide)

	writeInbound(t, clientSide, Record{RequestID: 1, Body: BeginRequestBody{Role: RoleResponder, KeepConn: true}})
	if _, err := conn.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !conn.KeepConn() {
		t.Fatal("KeepConn = false after a keep-connection BeginRequest")
	}

	if err := conn.WriteEndOfBody(1); err != nil {
		t.Fatalf("WriteEndOfBody: %v", err)
	}

	go io.Copy(io.Discard, clientSide)
	if err := conn.WriteRecord(Record{RequestID: 2, Body: StdoutBody{Data: []byte("still open")}}); err != nil {
		t.Errorf("WriteRecord on kept-alive connection = %v, want nil", err)
	}
}

func TestNoTeardownBeforeAnyRequestSeen(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	conn := NewConn(serverSide)

	// A flush with an empty in-flight set before any BeginRequest has been
	// read must not drop the connection.
	if err := conn.WriteEndOfBody(7); err != nil {
		t.Fatalf("WriteEndOfBody: %v", err)
	}

	go io.Copy(io.Discard, clientSide)
	if err := conn.WriteRecord(Record{RequestID: 1, Body: StdoutBody{Data: []byte("x")}}); err != nil {
		t.Errorf("WriteRecord = %v, want nil (connection must still be open)", err)
	}
}

func TestManagementRecordsNotTrackedInFlight(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	conn := NewConn(serverSide)

	writeInbound(t, clientSide, Record{RequestID: 0, Body: GetValuesBody{Names: [][]byte{[]byte("FCGI_MAX_CONNS")}}})
	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.ID != 0 {
		t.Fatalf("frame id = %d, want 0", frame.ID)
	}
	if ids := conn.InFlight(); len(ids) != 0 {
		t.Errorf("InFlight = %v, want empty (id 0 is a management record)", ids)
	}
}

func TestWriteAfterCloseReturnsErrConnClosed(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	conn := NewConn(serverSide)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := conn.WriteRecord(Record{RequestID: 1, Body: StdoutBody{Data: []byte("x")}}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("WriteRecord after Close = %v, want ErrConnClosed", err)
	}
}
