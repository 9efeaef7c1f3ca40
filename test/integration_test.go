package test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fmbridge/client"
	"fmbridge/lifecycle"
	"fmbridge/message"
	"fmbridge/middleware"
	"fmbridge/provider"
	"fmbridge/transport"
	"fmbridge/worker"
)

// ---- in-memory worker process ----

// memProcess satisfies lifecycle.Process with a real worker.Server on the
// other end of two pipes. No subprocess is involved.
type memProcess struct {
	mgrRead  *io.PipeReader
	mgrWrite *io.PipeWriter
	wOut     *io.PipeWriter
	wIn      *io.PipeReader

	once    sync.Once
	exited  chan struct{}
	exitErr error
}

func (p *memProcess) Reader() io.Reader { return p.mgrRead }
func (p *memProcess) Writer() io.Writer { return p.mgrWrite }
func (p *memProcess) PID() int          { return 1 }

func (p *memProcess) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *memProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *memProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.wOut.Close()
		p.wIn.Close()
		p.mgrWrite.Close()
		close(p.exited)
	})
}

func startWorkerProcess(p provider.Provider, o provider.Oracle, opts ...worker.Option) *memProcess {
	mgrRead, wOut := io.Pipe()
	wIn, mgrWrite := io.Pipe()
	mp := &memProcess{
		mgrRead:  mgrRead,
		mgrWrite: mgrWrite,
		wOut:     wOut,
		wIn:      wIn,
		exited:   make(chan struct{}),
	}
	opts = append(opts,
		worker.WithShutdownGrace(time.Millisecond),
		worker.WithExitFunc(func(code int) { mp.exit(nil) }),
	)
	srv := worker.NewServer(p, o, opts...)
	srv.Use(middleware.Recover(zap.NewNop()))
	go srv.Serve(context.Background(), wIn, wOut)
	return mp
}

// memSpawner builds a fresh in-memory worker per spawn.
type memSpawner struct {
	mu     sync.Mutex
	build  func() (lifecycle.Process, error)
	spawns int
}

func (s *memSpawner) Spawn(ctx context.Context) (lifecycle.Process, error) {
	s.mu.Lock()
	s.spawns++
	build := s.build
	s.mu.Unlock()
	return build()
}

func (s *memSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// ---- scripted provider ----

type scriptProvider struct {
	snapshots []string
	final     string
	err       error
	pace      time.Duration
}

func (p *scriptProvider) Generate(ctx context.Context, req provider.Request, onSnapshot func(string)) (string, error) {
	for _, s := range p.snapshots {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if onSnapshot != nil {
			onSnapshot(s)
		}
		if p.pace > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.pace):
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.final, p.err
}

func available(model string) provider.StaticOracle {
	return provider.StaticOracle{Verdict: provider.Availability{Available: true, Model: model}}
}

func lifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		BackoffInitial:   time.Millisecond,
		BackoffMax:       8 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		TransportOptions: []transport.Option{
			transport.WithCallTimeout(2 * time.Second),
			transport.WithProgressTimeout(2 * time.Second),
		},
	}
}

func newStack(t *testing.T, p provider.Provider, o provider.Oracle, opts ...worker.Option) (*client.Client, *lifecycle.Manager, *memSpawner) {
	t.Helper()
	sp := &memSpawner{build: func() (lifecycle.Process, error) {
		return startWorkerProcess(p, o, opts...), nil
	}}
	mgr := lifecycle.NewManager(sp, lifecycleConfig(), nil)
	t.Cleanup(mgr.Shutdown)
	c := client.NewForManager(client.Config{}, mgr, nil)
	return c, mgr, sp
}

// ---- scenarios ----

// Scenario: ping reports protocol version 1; a worker reporting version 2 is
// torn down during the handshake and never serves a call.
func TestPingAndProtocolMismatch(t *testing.T) {
	c, _, _ := newStack(t, provider.Echo{}, available("echo-1"))
	result, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if !result.OK || result.ProtocolVersion != message.ProtocolVersion {
		t.Fatalf("got %+v", result)
	}

	mismatched, _, sp := newStack(t, provider.Echo{}, available("echo-1"),
		worker.WithProtocolVersion(message.ProtocolVersion+1))
	if _, err := mismatched.Ping(context.Background()); !errors.Is(err, lifecycle.ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
	if v := mismatched.Availability(context.Background()); v.ReasonCode != message.ReasonProtocolMismatch {
		t.Errorf("compatibility reports %q, want PROTOCOL_MISMATCH", v.ReasonCode)
	}
	if sp.count() == 0 {
		t.Errorf("expected at least one spawn attempt")
	}
}

// Scenario: non-streaming create returns one terminal response with the
// provider's full output.
func TestNonStreamingGenerate(t *testing.T) {
	c, _, _ := newStack(t, &scriptProvider{final: "Hello there"}, available("m"))
	text, err := c.Generate(context.Background(), "Hi", client.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "Hello there" {
		t.Errorf("got %q", text)
	}
}

// Scenario: snapshots A→AB→ABC become deltas A, B, C and a terminal done
// with the full text.
func TestStreamingDeltas(t *testing.T) {
	c, _, _ := newStack(t, &scriptProvider{
		snapshots: []string{"A", "AB", "ABC"},
		final:     "ABC",
	}, available("m"))

	var deltas []string
	text, err := c.GenerateStream(context.Background(), "Hi", client.GenerateOptions{}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	if text != "ABC" {
		t.Errorf("final text %q, want ABC", text)
	}
	want := []string{"A", "B", "C"}
	if len(deltas) != len(want) {
		t.Fatalf("deltas %v, want %v", deltas, want)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("deltas %v, want %v", deltas, want)
		}
	}
}

// Scenario: cancel after the first delta stops forwarding; the stream
// resolves without further provider output.
func TestCancelAfterFirstDelta(t *testing.T) {
	c, _, _ := newStack(t, &scriptProvider{
		snapshots: []string{"A", "AB", "ABC", "ABCD", "ABCDE"},
		final:     "ABCDE",
		pace:      50 * time.Millisecond,
	}, available("m"))

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var count int
	_, err := c.GenerateStream(ctx, "Hi", client.GenerateOptions{}, func(d string) {
		mu.Lock()
		count++
		if count == 1 {
			cancel()
		}
		mu.Unlock()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	mu.Lock()
	seen := count
	mu.Unlock()
	// In-flight frames for the abandoned id are dropped, not forwarded.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	if count != seen {
		t.Errorf("deltas kept arriving after cancel: %d then %d", seen, count)
	}
	mu.Unlock()
}

// Scenario: three consecutive spawn failures disable the manager until an
// explicit recheck.
func TestSpawnFailureBudgetAndRecheck(t *testing.T) {
	fail := true
	var mu sync.Mutex
	sp := &memSpawner{build: func() (lifecycle.Process, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("no such file")
		}
		return startWorkerProcess(provider.Echo{}, available("m")), nil
	}}
	mgr := lifecycle.NewManager(sp, lifecycleConfig(), nil)
	t.Cleanup(mgr.Shutdown)
	c := client.NewForManager(client.Config{}, mgr, nil)

	for i := 0; i < lifecycle.DefaultMaxRestarts; i++ {
		if _, err := c.Ping(context.Background()); !errors.Is(err, lifecycle.ErrSpawnFailed) {
			t.Fatalf("attempt %d: expected ErrSpawnFailed, got %v", i, err)
		}
	}
	before := sp.count()
	if _, err := c.Ping(context.Background()); !errors.Is(err, lifecycle.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if sp.count() != before {
		t.Errorf("disabled manager must not spawn")
	}
	if v := c.Availability(context.Background()); v.ReasonCode != message.ReasonHelperUnhealthy {
		t.Errorf("compatibility reports %q, want HELPER_UNHEALTHY", v.ReasonCode)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	if v := c.Recheck(context.Background()); !v.Available {
		t.Fatalf("recheck after repair should succeed, got %+v", v)
	}
}

// Structured worker errors survive the whole stack.
func TestErrorTaxonomyEndToEnd(t *testing.T) {
	c, _, _ := newStack(t, &scriptProvider{err: provider.ErrGuardrail}, available("m"))
	_, err := c.Generate(context.Background(), "Hi", client.GenerateOptions{})
	var merr *message.Error
	if !errors.As(err, &merr) || merr.Code != message.CodeGuardrail {
		t.Fatalf("expected GUARDRAIL, got %v", err)
	}
}
