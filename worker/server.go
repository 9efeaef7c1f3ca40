// Package worker implements the worker-side dispatcher: it reads request
// frames off the protocol stream, routes them through the middleware chain
// to a closed method table, tracks cancellable generation tasks, and writes
// every outgoing frame through one shared FrameWriter.
//
// Request processing pipeline:
//
//	ReadFrame (single goroutine reads the stream sequentially)
//	  → for each request: go dispatch (fully concurrent, one goroutine per request)
//	    → Middleware Chain → method handler → FrameWriter (single write lock)
//
// There is no per-connection "busy" state: concurrency is per-request. A
// slow generation never blocks the decode loop, so a cancel for that same
// generation can always get through.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fmbridge/codec"
	"fmbridge/message"
	"fmbridge/middleware"
	"fmbridge/protocol"
	"fmbridge/provider"
)

const defaultShutdownGrace = 100 * time.Millisecond

// Server dispatches requests from one protocol stream.
type Server struct {
	provider provider.Provider
	oracle   provider.Oracle
	logger   *zap.Logger
	codec    codec.Codec

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	fw          *protocol.FrameWriter

	tasks   *taskRegistry
	counter atomic.Uint64 // worker-minted request ids: req_<counter>

	protocolVersion int
	shutdownGrace   time.Duration
	exitFunc        func(code int)

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the diagnostic logger. Diagnostics never touch the
// protocol stream.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithExitFunc overrides how process.shutdown terminates the process
// (defaults to os.Exit). Tests inject a no-op.
func WithExitFunc(fn func(code int)) Option {
	return func(s *Server) { s.exitFunc = fn }
}

// WithShutdownGrace overrides the delay between the process.shutdown reply
// and process exit. The delay exists so the reply frame flushes.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) { s.shutdownGrace = d }
}

// WithProtocolVersion overrides the version reported by health.ping. Only
// useful for exercising the client's mismatch handling.
func WithProtocolVersion(v int) Option {
	return func(s *Server) { s.protocolVersion = v }
}

// NewServer creates a dispatcher backed by the given provider and oracle.
func NewServer(p provider.Provider, o provider.Oracle, opts ...Option) *Server {
	s := &Server{
		provider:        p,
		oracle:          o,
		logger:          zap.NewNop(),
		codec:           codec.Default,
		tasks:           newTaskRegistry(),
		protocolVersion: message.ProtocolVersion,
		shutdownGrace:   defaultShutdownGrace,
		exitFunc:        os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Middlewares run in registration order around
// every request, including responses.create.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve reads frames from r and writes frames to w until the stream closes,
// a framing violation occurs, or ctx is cancelled. A clean close returns
// nil; framing violations return the underlying error (fatal to this
// connection, not to the process).
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Build the middleware chain once, not per-request.
	s.handler = middleware.Chain(s.middlewares...)(s.route)

	// One FrameWriter per connection: every outgoing frame, terminal or
	// delta, funnels through its write lock.
	s.fw = protocol.NewFrameWriter(w)
	br := bufio.NewReader(r)

	var err error
	for {
		var body []byte
		body, err = protocol.ReadFrame(br)
		if err != nil {
			if err == io.EOF {
				err = nil // peer closed cleanly between frames
			}
			break
		}

		var req message.Request
		if decodeErr := s.codec.Decode(body, &req); decodeErr != nil {
			// The frame invariant says bodies are valid JSON envelopes; a
			// frame that parses but doesn't decode means the stream is
			// untrustworthy from here on.
			err = fmt.Errorf("undecodable envelope: %w", decodeErr)
			break
		}

		s.dispatch(ctx, &req)
	}

	// Stop in-flight tasks and wait for their goroutines before returning
	// ownership of the stream.
	cancel()
	s.tasks.cancelAll()
	s.wg.Wait()
	return err
}

// dispatch schedules one request. responses.create gets its task registered
// synchronously here, before any concurrent work starts, so a cancel frame
// that arrives immediately after can never observe an unregistered id.
func (s *Server) dispatch(ctx context.Context, req *message.Request) {
	taskCtx := ctx
	if req.Method == message.MethodCreate {
		p, errResp := s.prepareCreate(req)
		if errResp != nil {
			s.writeResponse(errResp)
			return
		}
		taskCtx = s.tasks.register(ctx, p.RequestID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := s.handler(taskCtx, req)
		if resp == nil {
			return
		}
		if req.ID == nil && resp.OK {
			return // notification: success replies are suppressed
		}
		s.writeResponse(resp)
	}()
}

// prepareCreate validates create params, fills in a worker-minted request id
// when the caller omitted one, and rewrites req.Params so the handler and
// the registry agree on the id. Returns an error response on bad params.
func (s *Server) prepareCreate(req *message.Request) (*message.CreateParams, *message.Response) {
	var p message.CreateParams
	if len(req.Params) == 0 {
		return nil, message.ErrResponse(req.ID, message.CodeInvalidParams, "responses.create requires params")
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, message.ErrResponse(req.ID, message.CodeInvalidParams, err.Error())
	}
	if p.Input == "" {
		return nil, message.ErrResponse(req.ID, message.CodeInvalidParams, "input must not be empty")
	}
	if p.RequestID == "" {
		p.RequestID = fmt.Sprintf("req_%d", s.counter.Add(1))
		raw, err := json.Marshal(&p)
		if err != nil {
			return nil, message.ErrResponse(req.ID, message.CodeInternal, err.Error())
		}
		req.Params = raw
	}
	return &p, nil
}

// route is the innermost handler: the closed method table. The method name
// fully determines the params and result types; there is no fallback
// decoding by field presence.
func (s *Server) route(ctx context.Context, req *message.Request) *message.Response {
	switch req.Method {
	case message.MethodPing:
		return s.handlePing(req)
	case message.MethodCapabilities:
		return s.handleCapabilities(ctx, req)
	case message.MethodCreate:
		return s.handleCreate(ctx, req)
	case message.MethodCancel:
		return s.handleCancel(req)
	case message.MethodShutdown:
		return s.handleShutdown(req)
	default:
		return message.ErrResponse(req.ID, message.CodeInvalidMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handlePing(req *message.Request) *message.Response {
	resp, err := message.OKResponse(req.ID, &message.PingResult{OK: true, ProtocolVersion: s.protocolVersion})
	if err != nil {
		return message.ErrResponse(req.ID, message.CodeInternal, err.Error())
	}
	return resp
}

func (s *Server) handleCapabilities(ctx context.Context, req *message.Request) *message.Response {
	// The oracle is side-effect free; in particular this must never trigger
	// a model load.
	verdict := s.oracle.Check(ctx)
	resp, err := message.OKResponse(req.ID, &message.CapabilitiesResult{
		Available:  verdict.Available,
		ReasonCode: verdict.ReasonCode,
		Model:      verdict.Model,
	})
	if err != nil {
		return message.ErrResponse(req.ID, message.CodeInternal, err.Error())
	}
	return resp
}

func (s *Server) handleCancel(req *message.Request) *message.Response {
	var p message.CancelParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.RequestID == "" {
		return message.ErrResponse(req.ID, message.CodeInvalidParams, "responses.cancel requires request_id")
	}
	if !s.tasks.cancel(p.RequestID) {
		return message.ErrResponse(req.ID, message.CodeNotFound, fmt.Sprintf("no active request %q", p.RequestID))
	}
	// Best effort: the task observes cancellation at its next safe point.
	// The reply does not wait for it to actually stop.
	resp, err := message.OKResponse(req.ID, struct{}{})
	if err != nil {
		return message.ErrResponse(req.ID, message.CodeInternal, err.Error())
	}
	return resp
}

func (s *Server) handleShutdown(req *message.Request) *message.Response {
	s.tasks.cancelAll()
	time.AfterFunc(s.shutdownGrace, func() {
		s.logger.Info("shutting down on request")
		s.exitFunc(0)
	})
	resp, err := message.OKResponse(req.ID, struct{}{})
	if err != nil {
		return message.ErrResponse(req.ID, message.CodeInternal, err.Error())
	}
	return resp
}

func (s *Server) writeResponse(resp *message.Response) {
	body, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return
	}
	if err := s.fw.WriteFrame(body); err != nil {
		s.logger.Error("write response frame", zap.Error(err))
	}
}

// mapProviderError translates a provider failure into the wire taxonomy.
func mapProviderError(err error) *message.Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &message.Error{Code: message.CodeCancelled, Detail: "request cancelled"}
	case errors.Is(err, provider.ErrRateLimited):
		return &message.Error{Code: message.CodeRateLimited, Detail: err.Error()}
	case errors.Is(err, provider.ErrGuardrail):
		return &message.Error{Code: message.CodeGuardrail, Detail: err.Error()}
	default:
		return &message.Error{Code: message.CodeGenerationError, Detail: err.Error()}
	}
}

// computeDelta returns the increment to emit for a new snapshot. When the
// snapshot monotonically extends what was already emitted, the delta is the
// new suffix. A provider that revised earlier output breaks the prefix
// relation; then the whole snapshot becomes the delta. That is policy, not
// an error.
func computeDelta(emitted, snapshot string) string {
	if strings.HasPrefix(snapshot, emitted) {
		return snapshot[len(emitted):]
	}
	return snapshot
}
