// Package client is the host-side facade: one Client hides the lifecycle
// manager and transport behind availability checks and generate calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fmbridge/lifecycle"
	"fmbridge/message"
	"fmbridge/transport"
)

const cancelTimeout = time.Second

// Config describes the worker the client should manage.
type Config struct {
	// WorkerPath is the worker binary. Empty skips the existence check
	// (used when the spawner is injected for tests).
	WorkerPath string

	// RequiredOS and RequiredArch gate availability before any spawn
	// attempt. Empty means any. The reason vocabulary is fixed: an OS
	// mismatch reports NOT_DARWIN, an architecture mismatch reports
	// UNSUPPORTED_HARDWARE.
	RequiredOS   string
	RequiredArch string

	Lifecycle lifecycle.Config
}

// Verdict is one availability decision. ReasonCode is set only when
// Available is false.
type Verdict struct {
	Available  bool
	ReasonCode string
	Model      string
}

// GenerateOptions tune a single generate call.
type GenerateOptions struct {
	MaxOutputTokens int
	ResponseFormat  json.RawMessage
}

// connector is the slice of lifecycle.Manager the client needs.
type connector interface {
	GetConnection(ctx context.Context) (*transport.ClientTransport, error)
	Reset()
	Shutdown()
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	mgr    connector
	logger *zap.Logger

	goos, goarch string

	mu      sync.Mutex
	verdict *Verdict // cached until Recheck
}

// New builds a client that spawns cfg.WorkerPath in protocol mode.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	sp := &lifecycle.ExecSpawner{
		Path:   cfg.WorkerPath,
		Args:   []string{"serve", "--protocol"},
		Logger: logger,
	}
	return newClient(cfg, lifecycle.NewManager(sp, cfg.Lifecycle, logger), logger)
}

// NewForManager builds a client around an existing lifecycle manager, for
// callers that construct their own spawner. The gates in cfg still apply.
func NewForManager(cfg Config, mgr *lifecycle.Manager, logger *zap.Logger) *Client {
	return newClient(cfg, mgr, logger)
}

func newClient(cfg Config, mgr connector, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger,
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}
}

// Availability answers "can this host generate text right now". The verdict
// is cached, including negative ones; only Recheck discards it. Transient
// conditions (model still downloading, helper crash-looping) therefore stick
// until the caller explicitly asks again.
func (c *Client) Availability(ctx context.Context) Verdict {
	c.mu.Lock()
	if c.verdict != nil {
		v := *c.verdict
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	v := c.check(ctx)
	c.mu.Lock()
	c.verdict = &v
	c.mu.Unlock()
	if !v.Available {
		c.logger.Info("worker unavailable", zap.String("reason", v.ReasonCode))
	}
	return v
}

// Recheck clears the cached verdict and the lifecycle crash budget, then
// checks again. This is the only path out of a negative cached verdict.
func (c *Client) Recheck(ctx context.Context) Verdict {
	c.mu.Lock()
	c.verdict = nil
	c.mu.Unlock()
	c.mgr.Reset()
	return c.Availability(ctx)
}

// check runs the cheap pre-spawn gates first, then asks the worker itself.
func (c *Client) check(ctx context.Context) Verdict {
	if c.cfg.RequiredOS != "" && c.goos != c.cfg.RequiredOS {
		return Verdict{ReasonCode: message.ReasonNotDarwin}
	}
	if c.cfg.RequiredArch != "" && c.goarch != c.cfg.RequiredArch {
		return Verdict{ReasonCode: message.ReasonUnsupportedHardware}
	}
	if c.cfg.WorkerPath != "" {
		if _, err := os.Stat(c.cfg.WorkerPath); err != nil {
			return Verdict{ReasonCode: message.ReasonHelperNotFound}
		}
	}

	tr, err := c.mgr.GetConnection(ctx)
	if err != nil {
		return Verdict{ReasonCode: lifecycleReason(err)}
	}
	var caps message.CapabilitiesResult
	if err := tr.Call(ctx, message.MethodCapabilities, nil, &caps); err != nil {
		return Verdict{ReasonCode: message.ReasonHelperUnhealthy}
	}
	return Verdict{
		Available:  caps.Available,
		ReasonCode: caps.ReasonCode,
		Model:      caps.Model,
	}
}

func lifecycleReason(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrProtocolMismatch):
		return message.ReasonProtocolMismatch
	case errors.Is(err, lifecycle.ErrSpawnFailed):
		return message.ReasonSpawnFailed
	default:
		// Disabled, lock held elsewhere, anything unexpected.
		return message.ReasonHelperUnhealthy
	}
}

// Generate runs one non-streaming create and returns the final text. Wire
// failures come back as *message.Error (CANCELLED, RATE_LIMITED, ...).
func (c *Client) Generate(ctx context.Context, input string, opts GenerateOptions) (string, error) {
	tr, err := c.mgr.GetConnection(ctx)
	if err != nil {
		return "", err
	}
	params := message.CreateParams{
		RequestID:       uuid.NewString(),
		Input:           input,
		MaxOutputTokens: opts.MaxOutputTokens,
		ResponseFormat:  opts.ResponseFormat,
	}
	var result message.CreateResult
	if err := tr.Call(ctx, message.MethodCreate, params, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// GenerateStream runs one streaming create. onDelta receives each text
// fragment in order; the returned string is the complete final text from the
// terminal event. When ctx is cancelled the worker is told to stop, best
// effort, before the error is returned.
func (c *Client) GenerateStream(ctx context.Context, input string, opts GenerateOptions, onDelta func(string)) (string, error) {
	tr, err := c.mgr.GetConnection(ctx)
	if err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	params := message.CreateParams{
		RequestID:       requestID,
		Input:           input,
		MaxOutputTokens: opts.MaxOutputTokens,
		Stream:          true,
		ResponseFormat:  opts.ResponseFormat,
	}
	ev, err := tr.StreamCall(ctx, message.MethodCreate, requestID, params, func(ev *message.StreamEvent) {
		if ev.Kind == message.EventDelta && onDelta != nil {
			onDelta(ev.Text)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			c.cancelRequest(tr, requestID)
		}
		return "", err
	}
	return ev.Text, nil
}

// cancelRequest tells the worker to abandon an in-flight request. NOT_FOUND
// just means the race was lost; nothing to do about it.
func (c *Client) cancelRequest(tr *transport.ClientTransport, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	err := tr.Call(ctx, message.MethodCancel, message.CancelParams{RequestID: requestID}, nil)
	if err != nil {
		c.logger.Debug("cancel failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// Ping round-trips a health check through the worker.
func (c *Client) Ping(ctx context.Context) (message.PingResult, error) {
	var result message.PingResult
	tr, err := c.mgr.GetConnection(ctx)
	if err != nil {
		return result, err
	}
	err = tr.Call(ctx, message.MethodPing, nil, &result)
	return result, err
}

// Shutdown stops the managed worker and releases the lock. The client is
// unusable afterwards.
func (c *Client) Shutdown() {
	c.mgr.Shutdown()
}
