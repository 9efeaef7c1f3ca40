package provider

import (
	"context"
	"strings"
	"time"
)

// Echo is the reference Provider: it "generates" the prompt back, one word
// at a time, so the full protocol stack can be exercised without a model
// runtime. Streaming consumers see monotonically growing snapshots.
type Echo struct {
	// Delay between snapshots; zero means no pacing (tests).
	Delay time.Duration
	// Prefix prepended to the echoed text. Defaults to "echo: ".
	Prefix string
}

func (e Echo) Generate(ctx context.Context, req Request, onSnapshot func(text string)) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	full := prefix + req.Input
	words := strings.Fields(full)

	if onSnapshot == nil {
		if err := e.pause(ctx); err != nil {
			return "", err
		}
		return full, nil
	}

	var sb strings.Builder
	for i, word := range words {
		if err := e.pause(ctx); err != nil {
			return "", err
		}
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(word)
		onSnapshot(sb.String())
	}
	return sb.String(), nil
}

// pause sleeps for Delay or returns early on cancellation. With a zero
// delay it still polls ctx so cancellation is observed between snapshots.
func (e Echo) pause(ctx context.Context) error {
	if e.Delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.Delay):
		return nil
	}
}
