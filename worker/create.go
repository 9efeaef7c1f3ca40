package worker

import (
	"context"
	"encoding/json"

	"fmbridge/message"
	"fmbridge/provider"
)

// handleCreate runs one generation task. ctx is the task context minted by
// the registry at dispatch time; cancellation (responses.cancel or
// process.shutdown) fires through it.
func (s *Server) handleCreate(ctx context.Context, req *message.Request) *message.Response {
	var p message.CreateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		// prepareCreate already validated; this only fires for requests that
		// bypassed dispatch (not possible via Serve).
		return message.ErrResponse(req.ID, message.CodeInvalidParams, err.Error())
	}
	defer s.tasks.remove(p.RequestID)

	preq := provider.Request{
		Input:           p.Input,
		MaxOutputTokens: p.MaxOutputTokens,
		ResponseFormat:  p.ResponseFormat,
	}

	if !p.Stream {
		text, err := s.provider.Generate(ctx, preq, nil)
		if ctx.Err() != nil {
			return message.ErrResponse(req.ID, message.CodeCancelled, "request cancelled")
		}
		if err != nil {
			werr := mapProviderError(err)
			return message.ErrResponse(req.ID, werr.Code, werr.Detail)
		}
		resp, err := message.OKResponse(req.ID, &message.CreateResult{RequestID: p.RequestID, Text: text})
		if err != nil {
			return message.ErrResponse(req.ID, message.CodeInternal, err.Error())
		}
		return resp
	}

	return s.streamCreate(ctx, req, &p, preq)
}

// streamCreate relays provider snapshots as delta events and finishes with
// exactly one terminal event. Deltas carry no outer id and are routed by the
// embedded request_id; the terminal done/error carries the original outer id
// and resolves the pending call.
func (s *Server) streamCreate(ctx context.Context, req *message.Request, p *message.CreateParams, preq provider.Request) *message.Response {
	emitted := ""
	onSnapshot := func(snapshot string) {
		if ctx.Err() != nil {
			// Cancelled: stop forwarding even if the provider keeps talking.
			return
		}
		delta := computeDelta(emitted, snapshot)
		emitted = snapshot
		if delta == "" {
			return
		}
		ev, err := message.OKResponse(nil, &message.StreamEvent{
			Kind:      message.EventDelta,
			RequestID: p.RequestID,
			Text:      delta,
		})
		if err != nil {
			return
		}
		s.writeResponse(ev)
	}

	final, err := s.provider.Generate(ctx, preq, onSnapshot)

	switch {
	case ctx.Err() != nil:
		return message.ErrResponse(req.ID, message.CodeCancelled, "request cancelled")
	case err != nil:
		werr := mapProviderError(err)
		return message.ErrResponse(req.ID, werr.Code, werr.Detail)
	default:
		// The terminal done event carries the full final text regardless of
		// what deltas were sent: a consumer that only trusts the terminal
		// event reconstructs the correct result.
		resp, rerr := message.OKResponse(req.ID, &message.StreamEvent{
			Kind:      message.EventDone,
			RequestID: p.RequestID,
			Text:      final,
		})
		if rerr != nil {
			return message.ErrResponse(req.ID, message.CodeInternal, rerr.Error())
		}
		return resp
	}
}
