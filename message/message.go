// Package message defines the JSON envelopes exchanged between the client
// and the worker process.
//
// Every frame body is either a Request or a Response. A Request with a nil
// ID is a notification: no reply is expected. A Response with a non-nil ID
// resolves exactly one pending Request with that ID (or is the terminal
// event of a streaming call); streaming progress events are Responses with
// a nil outer ID, routed by the request_id embedded in their result payload.
package message

import "encoding/json"

// ProtocolVersion is verified during the post-spawn handshake. A worker
// reporting any other value is killed before it serves a single call.
const ProtocolVersion = 1

// Method names form a closed table. Params are decoded strictly against the
// type the method implies, never by probing which fields happen to be set.
const (
	MethodPing         = "health.ping"
	MethodCapabilities = "capabilities.get"
	MethodCreate       = "responses.create"
	MethodCancel       = "responses.cancel"
	MethodShutdown     = "process.shutdown"
)

// Error codes carried in Response.Error. Nothing crosses the process
// boundary as an unstructured failure.
const (
	CodeInvalidMethod   = "INVALID_METHOD"
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeNotFound        = "NOT_FOUND"
	CodeCancelled       = "CANCELLED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeGuardrail       = "GUARDRAIL"
	CodeGenerationError = "GENERATION_ERROR"
	CodeInternal        = "INTERNAL"
)

// Availability reason codes, carried in CapabilitiesResult.ReasonCode and in
// host-side verdicts when the worker cannot even be reached.
const (
	ReasonNotDarwin           = "NOT_DARWIN"
	ReasonUnsupportedHardware = "UNSUPPORTED_HARDWARE"
	ReasonHelperNotFound      = "HELPER_NOT_FOUND"
	ReasonAIDisabled          = "AI_DISABLED"
	ReasonModelNotReady       = "MODEL_NOT_READY"
	ReasonSpawnFailed         = "SPAWN_FAILED"
	ReasonProtocolMismatch    = "PROTOCOL_MISMATCH"
	ReasonHelperUnhealthy     = "HELPER_UNHEALTHY"
)

// Request is the client→worker envelope.
type Request struct {
	ID     *string         `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the worker→client envelope.
//
//   - OK true:  Result holds the method's result payload.
//   - OK false: Error holds a structured error.
//
// A nil ID marks a streaming progress event (routed by embedded request_id).
type Response struct {
	ID     *string         `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the structured failure value for the wire.
type Error struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// PingResult answers health.ping.
type PingResult struct {
	OK              bool `json:"ok"`
	ProtocolVersion int  `json:"protocol_version"`
}

// CapabilitiesResult answers capabilities.get. ReasonCode is set only when
// Available is false.
type CapabilitiesResult struct {
	Available  bool   `json:"available"`
	ReasonCode string `json:"reason_code,omitempty"`
	Model      string `json:"model,omitempty"`
}

// CreateParams carries a responses.create request. RequestID is normally
// supplied by the client transport so streaming events are routable before
// the first frame arrives; the worker mints one when it is absent.
type CreateParams struct {
	RequestID       string          `json:"request_id,omitempty"`
	Input           string          `json:"input"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	ResponseFormat  json.RawMessage `json:"response_format,omitempty"`
}

// CreateResult is the single terminal result of a non-streaming create.
type CreateResult struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// CancelParams carries a responses.cancel request.
type CancelParams struct {
	RequestID string `json:"request_id"`
}

// Stream event kinds.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent is the result payload of every streaming emission.
//
//   - delta: Text holds an incremental fragment; sent with a nil outer ID.
//   - done:  Text holds the full final text; sent with the original outer ID.
//   - error: Err holds the structured failure; sent with the original outer ID.
//
// The embedded RequestID is what lets many concurrent streaming calls share
// one connection without cross-talk.
type StreamEvent struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Text      string `json:"text,omitempty"`
	Err       *Error `json:"error,omitempty"`
}

// NewRequest builds a Request with params marshalled to JSON. A nil id makes
// it a notification.
func NewRequest(id *string, method string, params any) (*Request, error) {
	req := &Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// OKResponse builds a success Response carrying result.
func OKResponse(id *string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, OK: true, Result: raw}, nil
}

// ErrResponse builds a failure Response.
func ErrResponse(id *string, code, detail string) *Response {
	return &Response{ID: id, OK: false, Error: &Error{Code: code, Detail: detail}}
}
