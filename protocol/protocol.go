// Package protocol implements the Content-Length frame codec used on the
// worker's byte stream.
//
// A pipe is a byte stream with no message boundaries, so each envelope is
// wrapped in a frame: an ASCII header declaring the body length, a blank
// line, then exactly that many bytes of UTF-8 JSON. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	Content-Length: <decimal>\r\n
//	\r\n
//	<body: Content-Length bytes of JSON>
//
// Any framing violation (missing or malformed length, oversized body, short
// read) is fatal to the connection, not the process: the error propagates up
// so the connection can be torn down and, on the client side, trigger the
// lifecycle manager's recovery path.
package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MaxFrameSize caps the declared body length. A header announcing more than
// this is treated as stream corruption rather than a request to allocate.
const MaxFrameSize = 10 << 20 // 10 MiB

const headerName = "Content-Length"

// FramingError marks a violation of the frame format. It is fatal to the
// connection that produced it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// FrameWriter serializes whole frames onto a shared writer.
//
// Multiple goroutines (every in-flight streaming task, plus request/response
// handlers) write to the same stream. The header and body of one frame must
// reach the stream contiguously, so FrameWriter assembles header+body into a
// single buffer and performs one Write under an internal mutex. Without this,
// two concurrent writers would interleave bytes mid-frame and corrupt the
// stream for every frame after that point.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w. All writers sharing one stream must share one
// FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one complete frame containing body.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	if len(body) > MaxFrameSize {
		return framingErrorf("body length %d exceeds cap %d", len(body), MaxFrameSize)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	fmt.Fprintf(&buf, "%s: %d\r\n\r\n", headerName, len(body))
	buf.Write(body)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	// Single Write call: the frame must hit the stream atomically relative
	// to other frames on the same FrameWriter.
	_, err := fw.w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one complete frame from r and returns its body.
//
// Header lines are read until a blank line; the declared length is then read
// exactly, looping via io.ReadFull to absorb partial reads from a pipe.
// A clean end-of-stream before any header byte returns io.EOF; an
// end-of-stream anywhere mid-frame returns a FramingError, because a
// half-delivered frame means the peer died mid-write.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for lineno := 0; ; lineno++ {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && lineno == 0 && line == "" {
				return nil, io.EOF // clean close between frames
			}
			return nil, framingErrorf("unexpected end of stream in header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // blank line terminates the header block
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, framingErrorf("malformed header line %q", line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), headerName) {
			// Unknown headers are tolerated for forward compatibility.
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, framingErrorf("non-numeric %s %q", headerName, strings.TrimSpace(value))
		}
		if n <= 0 {
			return nil, framingErrorf("non-positive %s %d", headerName, n)
		}
		length = n
	}

	if length < 0 {
		return nil, framingErrorf("missing %s header", headerName)
	}
	if length > MaxFrameSize {
		return nil, framingErrorf("declared length %d exceeds cap %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, framingErrorf("short body read: %v", err)
	}
	return body, nil
}
