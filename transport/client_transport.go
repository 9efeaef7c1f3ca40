// Package transport implements the client side of the worker connection:
// correlation of responses to pending calls, streaming event demultiplexing,
// timeouts, and cancellation.
//
// Many goroutines issue calls over one byte stream. Each call gets a unique
// correlation id, and a single background goroutine (recvLoop) decodes every
// incoming frame and routes it:
//
//	caller-1 ──Call(id=a)──┐
//	caller-2 ──Call(id=b)──┼──→ one stream ──→ worker
//	caller-3 ──Stream(id=c)┘
//
//	recvLoop: delta(request_id=c) → subscription c → onEvent
//	          response(id=b)      → pending[b]     → caller-2 wakes up
//
// Subscriptions are checked before the pending map because streaming deltas
// carry no outer correlation id.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fmbridge/codec"
	"fmbridge/message"
	"fmbridge/protocol"
)

const (
	// DefaultCallTimeout bounds a unary call and the wait for a streaming
	// call's first event.
	DefaultCallTimeout = 60 * time.Second
	// DefaultProgressTimeout bounds the gap between streaming events. It
	// resets on every observed event, so long multi-event generations are
	// not penalized by a single fixed deadline.
	DefaultProgressTimeout = 120 * time.Second
)

var (
	// ErrTimeout reports that a call's deadline or progress deadline fired.
	ErrTimeout = errors.New("transport: call timed out")
	// ErrConnectionLost reports that the stream closed or broke while calls
	// were pending.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// pendingCall is the client-side bookkeeping for one outstanding request.
// It is inserted before the request frame is written and removed on terminal
// resolution, timeout, or cancellation; a frame arriving for a removed id is
// silently discarded.
type pendingCall struct {
	id        string
	requestID string // streaming only: routes deltas by embedded request_id
	ch        chan callResult
	onEvent   func(*message.StreamEvent)
	progress  chan struct{} // pinged per event to reset the progress timeout
}

// callResult is what a waiter receives: a worker response or a local
// transport failure (connection lost).
type callResult struct {
	resp *message.Response
	err  error
}

// ClientTransport multiplexes calls over a single worker stream.
type ClientTransport struct {
	fw     *protocol.FrameWriter
	codec  codec.Codec
	logger *zap.Logger

	callTimeout     time.Duration
	progressTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall // by outer correlation id
	subs    map[string]*pendingCall // by embedded request_id (streaming)
	closed  bool
	cause   error

	done chan struct{} // closed when recvLoop exits
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = logger }
}

func WithCallTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.callTimeout = d }
}

func WithProgressTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.progressTimeout = d }
}

// New binds a transport to a worker stream and starts the receive loop.
// The transport assumes exclusive ownership of the stream.
func New(r io.Reader, w io.Writer, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		fw:              protocol.NewFrameWriter(w),
		codec:           codec.Default,
		logger:          zap.NewNop(),
		callTimeout:     DefaultCallTimeout,
		progressTimeout: DefaultProgressTimeout,
		pending:         make(map[string]*pendingCall),
		subs:            make(map[string]*pendingCall),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop(bufio.NewReader(r))
	return t
}

// Done is closed when the connection is lost. The lifecycle manager watches
// it to trigger recovery.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Healthy reports whether the connection is still usable.
func (t *ClientTransport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Call issues method with params and decodes the response payload into
// result (which may be nil to discard it). The call resolves when a
// response with the matching id arrives, fails on ctx cancellation, or
// fails with ErrTimeout after the call timeout.
func (t *ClientTransport) Call(ctx context.Context, method string, params, result any) error {
	pc, err := t.send(method, params, "", nil)
	if err != nil {
		return err
	}

	timer := time.NewTimer(t.callTimeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return decodeOutcome(res, result)
	case <-ctx.Done():
		// A racing frame may still arrive for this id; removal makes its
		// later delivery a silent no-op.
		t.unregister(pc)
		return ctx.Err()
	case <-timer.C:
		t.unregister(pc)
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, t.callTimeout)
	}
}

// StreamCall issues a streaming method. requestID must match the request_id
// embedded in params; intermediate delta events for it are forwarded to
// onEvent in arrival order. The returned event is the terminal done event;
// a terminal error event is returned as *message.Error.
//
// The initial call timeout applies until the first event; after that every
// observed event rearms the progress timeout.
func (t *ClientTransport) StreamCall(ctx context.Context, method string, requestID string, params any, onEvent func(*message.StreamEvent)) (*message.StreamEvent, error) {
	if requestID == "" {
		return nil, errors.New("transport: stream call requires a request id")
	}
	pc, err := t.send(method, params, requestID, onEvent)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.callTimeout)
	defer timer.Stop()

	for {
		select {
		case res := <-pc.ch:
			var ev message.StreamEvent
			if err := decodeOutcome(res, &ev); err != nil {
				return nil, err
			}
			return &ev, nil
		case <-pc.progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.progressTimeout)
		case <-ctx.Done():
			t.unregister(pc)
			return nil, ctx.Err()
		case <-timer.C:
			t.unregister(pc)
			return nil, fmt.Errorf("%w: no progress on %s", ErrTimeout, requestID)
		}
	}
}

// Notify sends a request without an id; no reply is expected or tracked.
func (t *ClientTransport) Notify(method string, params any) error {
	req, err := message.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return t.writeRequest(req)
}

// send registers the pending entry and writes the request frame, in that
// order: registering after the write would race the response.
func (t *ClientTransport) send(method string, params any, requestID string, onEvent func(*message.StreamEvent)) (*pendingCall, error) {
	id := uuid.NewString()
	pc := &pendingCall{
		id:        id,
		requestID: requestID,
		ch:        make(chan callResult, 1),
		onEvent:   onEvent,
		progress:  make(chan struct{}, 1),
	}

	req, err := message.NewRequest(&id, method, params)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		cause := t.cause
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	t.pending[id] = pc
	if requestID != "" {
		t.subs[requestID] = pc
	}
	t.mu.Unlock()

	if err := t.writeRequest(req); err != nil {
		t.unregister(pc)
		return nil, err
	}
	return pc, nil
}

func (t *ClientTransport) writeRequest(req *message.Request) error {
	body, err := t.codec.Encode(req)
	if err != nil {
		return err
	}
	return t.fw.WriteFrame(body)
}

func (t *ClientTransport) unregister(pc *pendingCall) {
	t.mu.Lock()
	delete(t.pending, pc.id)
	if pc.requestID != "" {
		delete(t.subs, pc.requestID)
	}
	t.mu.Unlock()
}

// recvLoop is the single reader: it decodes frames sequentially (frame
// boundaries require it) and routes each envelope, first to the streaming
// subscriptions, then to the pending map. All onEvent callbacks run here,
// which is what guarantees per-id ordering.
func (t *ClientTransport) recvLoop(br *bufio.Reader) {
	for {
		body, err := protocol.ReadFrame(br)
		if err != nil {
			t.fail(err)
			return
		}

		var resp message.Response
		if err := t.codec.Decode(body, &resp); err != nil {
			t.fail(fmt.Errorf("undecodable envelope: %w", err))
			return
		}

		// (a) Subscriptions see every envelope; deltas carry no outer id.
		t.routeEvent(&resp)

		// (b) Terminal responses resolve the pending call by outer id.
		if resp.ID != nil {
			t.mu.Lock()
			pc, ok := t.pending[*resp.ID]
			if ok {
				delete(t.pending, pc.id)
				if pc.requestID != "" {
					delete(t.subs, pc.requestID)
				}
			}
			t.mu.Unlock()
			if ok {
				pc.ch <- callResult{resp: &resp} // buffered; never blocks the reader
			} else {
				// Late frame for a cancelled/timed-out/resolved id: the
				// ordering contract says drop it silently.
				t.logger.Debug("discarding frame for unknown id", zap.String("id", *resp.ID))
			}
		}
	}
}

// routeEvent forwards streaming events to their subscription. A terminal
// event that arrives without an outer id (a worker answering a foreign or
// notification-style create) still resolves the call via its request_id.
func (t *ClientTransport) routeEvent(resp *message.Response) {
	if !resp.OK || len(resp.Result) == 0 {
		return
	}
	var ev message.StreamEvent
	if err := json.Unmarshal(resp.Result, &ev); err != nil || ev.RequestID == "" || ev.Kind == "" {
		return // not a stream event
	}

	t.mu.Lock()
	pc, ok := t.subs[ev.RequestID]
	t.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case message.EventDelta:
		if pc.onEvent != nil {
			pc.onEvent(&ev)
		}
		select {
		case pc.progress <- struct{}{}:
		default:
		}
	case message.EventDone, message.EventError:
		if resp.ID == nil {
			t.unregister(pc)
			pc.ch <- callResult{resp: resp}
		}
		// With an outer id the pending-map path resolves it.
	}
}

// fail tears the transport down: every pending waiter is rejected with a
// connection-lost error so nothing dangles.
func (t *ClientTransport) fail(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if cause == io.EOF {
		cause = errors.New("stream closed")
	}
	t.cause = cause
	waiters := make([]*pendingCall, 0, len(t.pending))
	for _, pc := range t.pending {
		waiters = append(waiters, pc)
	}
	t.pending = make(map[string]*pendingCall)
	t.subs = make(map[string]*pendingCall)
	t.mu.Unlock()

	lost := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	for _, pc := range waiters {
		pc.ch <- callResult{err: lost}
	}
	close(t.done)
	t.logger.Debug("transport closed", zap.Error(cause))
}

// decodeOutcome turns a delivered result into the caller-visible outcome: a
// decoded payload on success, the structured *message.Error on a worker
// failure, a transport error on connection loss.
func decodeOutcome(res callResult, result any) error {
	if res.err != nil {
		return res.err
	}
	resp := res.resp
	if !resp.OK {
		if resp.Error != nil {
			return resp.Error
		}
		return errors.New("transport: failure response without error payload")
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}
