package test

import (
	"context"
	"io"
	"testing"
	"time"

	"fmbridge/message"
	"fmbridge/provider"
	"fmbridge/transport"
	"fmbridge/worker"
)

// setupTransport wires a transport straight to a worker server, skipping the
// lifecycle layer, so the benchmarks measure the protocol stack itself.
func setupTransport(b *testing.B, p provider.Provider) *transport.ClientTransport {
	b.Helper()
	clientRead, workerWrite := io.Pipe()
	workerRead, clientWrite := io.Pipe()
	srv := worker.NewServer(p, provider.StaticOracle{Verdict: provider.Availability{Available: true}})
	go srv.Serve(context.Background(), workerRead, workerWrite)
	b.Cleanup(func() {
		clientWrite.Close()
		workerWrite.Close()
	})
	return transport.New(clientRead, clientWrite,
		transport.WithCallTimeout(5*time.Second),
		transport.WithProgressTimeout(5*time.Second))
}

func BenchmarkPingRoundTrip(b *testing.B) {
	tr := setupTransport(b, provider.Echo{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var result message.PingResult
		if err := tr.Call(context.Background(), message.MethodPing, nil, &result); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGenerate(b *testing.B) {
	tr := setupTransport(b, &scriptProvider{final: "benchmark output text"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		params := message.CreateParams{RequestID: "bench", Input: "hello"}
		var result message.CreateResult
		if err := tr.Call(context.Background(), message.MethodCreate, params, &result); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGenerateStream(b *testing.B) {
	tr := setupTransport(b, &scriptProvider{
		snapshots: []string{"a", "ab", "abc", "abcd"},
		final:     "abcd",
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		params := message.CreateParams{RequestID: "bench-stream", Input: "hello", Stream: true}
		_, err := tr.StreamCall(context.Background(), message.MethodCreate, "bench-stream", params, nil)
		if err != nil {
			b.Fatal(err)
		}
	}
}
