package middleware

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"fmbridge/message"
)

func okHandler(ctx context.Context, req *message.Request) *message.Response {
	resp, _ := message.OKResponse(req.ID, map[string]bool{"ok": true})
	return resp
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(tag("A"), tag("B"))(okHandler)
	handler(context.Background(), &message.Request{Method: message.MethodPing})

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("order length mismatch: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestRateLimitRejectsCreateOnly(t *testing.T) {
	// Zero rate, zero burst: every create is rejected, everything else passes.
	handler := RateLimit(0, 0)(okHandler)

	resp := handler(context.Background(), &message.Request{Method: message.MethodCreate})
	if resp.OK || resp.Error == nil || resp.Error.Code != message.CodeRateLimited {
		t.Errorf("expected RATE_LIMITED for create, got %+v", resp)
	}

	resp = handler(context.Background(), &message.Request{Method: message.MethodPing})
	if !resp.OK {
		t.Errorf("ping must bypass the limiter, got %+v", resp)
	}
	resp = handler(context.Background(), &message.Request{Method: message.MethodCancel})
	if !resp.OK {
		t.Errorf("cancel must bypass the limiter, got %+v", resp)
	}
}

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	handler := RateLimit(1, 2)(okHandler)
	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), &message.Request{Method: message.MethodCreate})
		if !resp.OK {
			t.Fatalf("request %d within burst rejected: %+v", i, resp)
		}
	}
	resp := handler(context.Background(), &message.Request{Method: message.MethodCreate})
	if resp.OK {
		t.Errorf("request beyond burst should be rejected")
	}
}

func TestRecoverTurnsPanicIntoInternal(t *testing.T) {
	panicking := func(ctx context.Context, req *message.Request) *message.Response {
		panic("boom")
	}
	handler := Recover(zap.NewNop())(panicking)

	id := "call-1"
	resp := handler(context.Background(), &message.Request{ID: &id, Method: message.MethodCreate})
	if resp == nil || resp.OK {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error.Code != message.CodeInternal {
		t.Errorf("expected INTERNAL, got %s", resp.Error.Code)
	}
	if resp.ID == nil || *resp.ID != id {
		t.Errorf("panic response must preserve the request id")
	}
}
