// Package provider defines the boundary to the generation engine.
//
// The dispatcher treats generation as opaque: it hands a prompt to a
// Provider and relays whatever comes back. The real engine lives behind this
// interface (an on-device model runtime, an HTTP service, a test double) and
// is outside this repository's scope.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// Typed failures a Provider may return. The dispatcher maps them onto the
// wire error taxonomy; anything unrecognized becomes a generic generation
// error.
var (
	ErrRateLimited = errors.New("provider: rate limited")
	ErrGuardrail   = errors.New("provider: content policy violation")
)

// Request carries one generation request.
type Request struct {
	Input           string
	MaxOutputTokens int
	ResponseFormat  json.RawMessage // optional structured-output schema
}

// Provider produces text for a prompt.
//
// When onSnapshot is non-nil the provider reports progress as a sequence of
// snapshots of the full text so far. Snapshots normally grow monotonically
// (each one extends the previous), but a provider is allowed to revise
// earlier output; callers must not assume extension. The returned string is
// always the complete final text, regardless of what was reported.
//
// Cancellation is cooperative via ctx: the provider checks it at safe points
// and returns ctx.Err() promptly, but no instant termination is guaranteed.
type Provider interface {
	Generate(ctx context.Context, req Request, onSnapshot func(text string)) (string, error)
}

// Availability is the Oracle's verdict.
type Availability struct {
	Available  bool
	ReasonCode string // set only when Available is false
	Model      string
}

// Oracle reports whether generation is currently possible. Check must be
// cheap and side-effect free: in particular it must never trigger a model
// load.
type Oracle interface {
	Check(ctx context.Context) Availability
}

// StaticOracle returns a fixed verdict. Used by the reference worker and in
// tests.
type StaticOracle struct {
	Verdict Availability
}

func (o StaticOracle) Check(context.Context) Availability {
	return o.Verdict
}
