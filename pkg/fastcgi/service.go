package fastcgi

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Handler is the application-provided responder capability: it receives a
// fully-assembled Request and is expected to drive it to completion
// through the response writer obtained from Request.Response.
type Handler interface {
	Serve(ctx context.Context, req *Request) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

func (f HandlerFunc) Serve(ctx context.Context, req *Request) error { return f(ctx, req) }

// Request is the logical FastCGI request handed to a Handler: its role,
// assembled parameters, and a lazy, finite, single-pass body stream.
type Request struct {
	Role   Role
	Params *Params
	Body   interface{ Read([]byte) (int, error) }

	sink           *sink
	defaultHeaders map[string]string
}

// Response returns this request's headers-stage response writer. It may be
// called once; the returned HeaderWriter is the only way to reach the
// body-stage Writer.
func (r *Request) Response() *HeaderWriter {
	return newHeaderWriter(r.sink, r.defaultHeaders)
}

// Option configures a Bind call.
type Option func(*bindOptions)

type bindOptions struct {
	logger         *log.Logger
	capabilities   Capabilities
	metrics        *Metrics
	defaultHeaders map[string]string
}

// WithLogger overrides the *log.Logger used for per-connection diagnostics.
// The default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(o *bindOptions) { o.logger = l }
}

// WithCapabilities overrides the values this connection reports in reply to
// an inbound GetValues management record.
func WithCapabilities(c Capabilities) Option {
	return func(o *bindOptions) { o.capabilities = c }
}

// WithMetrics attaches a Metrics instance that this connection's records,
// bytes, and requests are reported against. The default is no metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *bindOptions) { o.metrics = m }
}

// WithDefaultHeaders sets headers that every request's response starts
// with, on top of the built-in X-Powered-By (which they may overwrite).
// The map is not copied; callers must not mutate it after Bind starts.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(o *bindOptions) { o.defaultHeaders = headers }
}

func defaultBindOptions() *bindOptions {
	return &bindOptions{
		logger:       log.Default(),
		capabilities: Capabilities{MaxConns: 1, MaxReqs: 1, MpxsConns: true},
	}
}

// Bind drives one FastCGI connection to completion: it decodes frames,
// assembles requests, dispatches each to handler concurrently, and
// re-encodes handler output as response records, honoring the
// FCGI_KEEP_CONN connection-reuse rule. It returns when the connection
// is closed, either by the peer, by the keep-connection rule, or by ctx
// being canceled.
func Bind(ctx context.Context, conn *Conn, handler Handler, opts ...Option) error {
	o := defaultBindOptions()
	for _, opt := range opts {
		opt(o)
	}
	conn.SetMetrics(o.metrics)
	o.metrics.connOpened()
	defer o.metrics.connClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var mapsMu sync.Mutex
	states := make(map[uint16]*requestState)
	sinks := make(map[uint16]*sink)

	var wg sync.WaitGroup
	defer wg.Wait()

	breakAllPipes := func() {
		mapsMu.Lock()
		defer mapsMu.Unlock()
		for id, rs := range states {
			rs.body.closeAbort()
			if s, ok := sinks[id]; ok {
				s.breakPipe()
			}
		}
	}

	// retire drops a finished request's state and sink; runHandler calls
	// it just before writing the request's termination triple. This is what lets the
	// web server legally reuse the id in a later BeginRequest on the same
	// kept-alive connection.
	retire := func(id uint16) {
		mapsMu.Lock()
		defer mapsMu.Unlock()
		delete(states, id)
		delete(sinks, id)
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if err == ErrConnClosed {
				breakAllPipes()
				return nil
			}
			breakAllPipes()
			return err
		}

		if frame.Kind == KindError {
			o.logger.Printf("fastcgi: decode error (request %d): %v", frame.ID, frame.Err)
			breakAllPipes()
			return frame.Err
		}

		if ub, ok := frame.Record.Body.(UnknownTypeBody); ok {
			// A conforming responder answers a record type it does not
			// recognize with UnknownTypeResponse on the management id.
			o.logger.Printf("fastcgi: unknown record type %d (request %d)", ub.Type, frame.ID)
			if err := conn.WriteRecord(Record{RequestID: 0, Body: UnknownTypeResponseBody{Type: ub.Type}}); err != nil {
				return err
			}
			continue
		}

		if frame.ID == 0 {
			if gv, ok := frame.Record.Body.(GetValuesBody); ok {
				result := o.capabilities.Answer(gv)
				if err := conn.WriteRecord(Record{RequestID: 0, Body: result}); err != nil {
					return err
				}
			}
			continue
		}

		switch frame.Kind {
		case KindBeginMessage:
			mapsMu.Lock()
			_, exists := states[frame.ID]
			if !exists {
				begin := frame.Record.Body.(BeginRequestBody)
				states[frame.ID] = newRequestState(frame.ID, begin)
			}
			mapsMu.Unlock()
			if exists {
				err := fmt.Errorf("%w: duplicate BeginRequest for request %d", ErrInvalidData, frame.ID)
				breakAllPipes()
				return err
			}

		case KindBodyChunk:
			mapsMu.Lock()
			rs, exists := states[frame.ID]
			mapsMu.Unlock()
			if !exists {
				err := fmt.Errorf("%w: body record for unknown request %d", ErrInvalidData, frame.ID)
				breakAllPipes()
				return err
			}
			switch body := frame.Record.Body.(type) {
			case ParamsBody:
				complete, err := rs.feedParams(body)
				if err != nil {
					breakAllPipes()
					return err
				}
				if complete {
					s := newSink(frame.ID)
					mapsMu.Lock()
					sinks[frame.ID] = s
					mapsMu.Unlock()
					req := &Request{Role: rs.role, Params: rs.params, Body: rs.body, sink: s, defaultHeaders: o.defaultHeaders}
					o.metrics.requestStarted(rs.role)
					wg.Add(1)
					go func(rs *requestState, req *Request, s *sink) {
						defer wg.Done()
						runHandler(ctx, conn, handler, rs, req, s, o.logger, o.metrics, retire)
					}(rs, req, s)
				}
			case StdinBody:
				if err := rs.feedStdin(body.Data); err != nil {
					breakAllPipes()
					return err
				}
			default:
				if !rs.paramsComplete {
					err := fmt.Errorf("%w: unexpected record while reading params for request %d", ErrInvalidData, frame.ID)
					breakAllPipes()
					return err
				}
				// Data records decode but are not part of the supported
				// surface; they (and anything else this far) are logged
				// and ignored rather than torn down.
				if _, ok := body.(DataBody); ok {
					o.logger.Printf("fastcgi: FCGI_DATA received for request %d; Filter role is not supported", frame.ID)
				}
			}

		case KindEndOfBody:
			mapsMu.Lock()
			rs, exists := states[frame.ID]
			mapsMu.Unlock()
			if !exists {
				err := fmt.Errorf("%w: end-of-body for unknown request %d", ErrInvalidData, frame.ID)
				breakAllPipes()
				return err
			}
			switch frame.Record.Body.(type) {
			case AbortRequestBody:
				rs.abort()
			case StdinBody:
				_ = rs.feedStdin(nil)
			}
		}
	}
}

// runHandler drives one request's handler and merges its response-sink
// output with its completion signal: the first record becomes visible to
// the web server as soon as it is produced, subsequent records stream out
// as BodyChunks, and the termination triple follows once the handler
// returns, whether it returned cleanly, with an error, or panicked.
// Handler failures must never affect other requests on the connection.
func runHandler(ctx context.Context, conn *Conn, handler Handler, rs *requestState, req *Request, s *sink, logger *log.Logger, metrics *Metrics, retire func(uint16)) {
	rs.advanceTo(stageAwaitingHandler)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("fastcgi: handler panic: %v", r)
			}
		}()
		done <- handler.Serve(ctx, req)
	}()

	sentAny := false
	var handlerErr error

drain:
	for {
		select {
		case rec := <-s.ch:
			rs.advanceTo(stageStreamingResponse)
			if err := conn.WriteRecord(rec); err != nil {
				logger.Printf("fastcgi: write error for request %d: %v", rs.id, err)
			} else {
				sentAny = true
			}
		case err := <-done:
			handlerErr = err
			break drain
		}
	}

	// A handler's last send and its return can race on a capacity-1
	// channel: the send can complete into the buffer before the receiver
	// above takes it, and the handler can then return immediately. Drain
	// whatever is left before finalizing.
	for {
		select {
		case rec := <-s.ch:
			rs.advanceTo(stageStreamingResponse)
			if err := conn.WriteRecord(rec); err != nil {
				logger.Printf("fastcgi: write error for request %d: %v", rs.id, err)
			} else {
				sentAny = true
			}
			continue
		default:
		}
		break
	}

	if handlerErr != nil {
		logger.Printf("fastcgi: handler error for request %d: %v", rs.id, handlerErr)
	}

	if s.writer != nil && s.writer.Abandoned() {
		logger.Printf("fastcgi: request %d finished without calling Writer.Finish; unflushed bytes were dropped", rs.id)
	}

	if !sentAny {
		// Degenerate but legal: synthesize a minimal empty-headers
		// response so the web server sees a well-formed response even
		// though the handler produced nothing.
		if err := conn.WriteRecord(Record{RequestID: rs.id, Body: StdoutBody{Data: []byte("\r\n")}}); err != nil {
			logger.Printf("fastcgi: write error for request %d: %v", rs.id, err)
		}
	}

	// A handler-originated error still completes the request cleanly
	// from the web server's point of view; only the log line above
	// records that something went wrong.
	status := EndRequestBody{AppStatus: 0, ProtocolStatus: StatusRequestComplete}

	// The id must be retired from Bind's bookkeeping before the EndRequest
	// record below is put on the wire, not after: a peer may legally reuse
	// the id the instant it observes EndRequest, and retiring afterward
	// would race that reuse against this goroutine's own cleanup.
	retire(rs.id)

	_ = conn.WriteRecord(Record{RequestID: rs.id, Body: StdoutBody{Data: nil}})
	_ = conn.WriteRecord(Record{RequestID: rs.id, Body: StderrBody{Data: nil}})
	_ = conn.WriteRecord(Record{RequestID: rs.id, Body: status})

	rs.advanceTo(stageTerminated)
	metrics.requestFinished(handlerErr != nil)
	if err := conn.WriteEndOfBody(rs.id); err != nil {
		logger.Printf("fastcgi: end-of-body for request %d: %v", rs.id, err)
	}
}
