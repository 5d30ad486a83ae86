package fastcgi

import (
	"fmt"
	"io"
	"sync"
)

// lifecycleStage is a request's strictly-monotone lifecycle position: it
// only ever advances forward.
type lifecycleStage int

const (
	stageAwaitingParams lifecycleStage = iota
	stageAwaitingHandler
	stageStreamingResponse
	stageTerminated
)

// requestState is the per-request state machine. It is created and fed by
// the connection driver (service.go); the request's handler goroutine
// advances its lifecycle stage under mu and reads the request body through
// bodyStream.
type requestState struct {
	id       uint16
	role     Role
	keepConn bool

	mu             sync.Mutex
	stage          lifecycleStage
	params         *Params
	paramsComplete bool

	body *bodyStream
}

func newRequestState(id uint16, begin BeginRequestBody) *requestState {
	return &requestState{
		id:       id,
		role:     begin.Role,
		keepConn: begin.KeepConn,
		stage:    stageAwaitingParams,
		params:   newParams(),
		body:     newBodyStream(),
	}
}

// feedParams folds one Params frame into the accumulating map; an empty
// Params record ends the fold. It returns true once end-of-headers has
// been reached.
func (rs *requestState) feedParams(body ParamsBody) (complete bool, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.stage != stageAwaitingParams {
		return false, fmt.Errorf("%w: Params record for request %d after headers were already complete", ErrInvalidData, rs.id)
	}

	if len(body.Pairs) == 0 {
		rs.paramsComplete = true
		rs.stage = stageAwaitingHandler
		return true, nil
	}
	for _, nv := range body.Pairs {
		rs.params.set(nv)
	}
	return false, nil
}

// feedStdin routes an inbound Stdin chunk to the handler's body stream. An
// empty chunk closes the stream (end of request body).
func (rs *requestState) feedStdin(data []byte) error {
	rs.mu.Lock()
	if rs.stage != stageAwaitingHandler && rs.stage != stageStreamingResponse {
		rs.mu.Unlock()
		return fmt.Errorf("%w: Stdin record for request %d before headers were complete", ErrInvalidData, rs.id)
	}
	rs.mu.Unlock()

	if len(data) == 0 {
		rs.body.closeEOF()
		return nil
	}
	rs.body.push(data)
	return nil
}

// abort closes the body stream with an abort signal rather than a clean
// EOF: the handler observes end-of-stream and is expected to finish
// promptly.
func (rs *requestState) abort() {
	rs.body.closeAbort()
}

func (rs *requestState) advanceTo(stage lifecycleStage) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if stage > rs.stage {
		rs.stage = stage
	}
}

// ErrAborted is surfaced through a request's Body reader once AbortRequest
// has been received for it.
var ErrAborted = fmt.Errorf("fastcgi: request aborted")

// bodyStream is the lazy, finite, single-pass byte-chunk sequence behind
// Request.Body. It is fed by the connection driver (feedStdin) and
// drained by the handler goroutine via io.Reader.
type bodyStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
	abort  bool
	pos    int // read offset into chunks[0]
}

func newBodyStream() *bodyStream {
	bs := &bodyStream{}
	bs.cond = sync.NewCond(&bs.mu)
	return bs
}

func (bs *bodyStream) push(data []byte) {
	bs.mu.Lock()
	bs.chunks = append(bs.chunks, data)
	bs.cond.Signal()
	bs.mu.Unlock()
}

func (bs *bodyStream) closeEOF() {
	bs.mu.Lock()
	bs.closed = true
	bs.cond.Signal()
	bs.mu.Unlock()
}

func (bs *bodyStream) closeAbort() {
	bs.mu.Lock()
	bs.closed = true
	bs.abort = true
	bs.cond.Signal()
	bs.mu.Unlock()
}

// Read implements io.Reader. It blocks until a chunk is available, the
// stream is closed, or it is aborted.
func (bs *bodyStream) Read(p []byte) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	for len(bs.chunks) == 0 {
		if bs.closed {
			if bs.abort {
				return 0, ErrAborted
			}
			return 0, io.EOF
		}
		bs.cond.Wait()
	}

	n := copy(p, bs.chunks[0][bs.pos:])
	bs.pos += n
	if bs.pos == len(bs.chunks[0]) {
		bs.chunks = bs.chunks[1:]
		bs.pos = 0
	}
	return n, nil
}
