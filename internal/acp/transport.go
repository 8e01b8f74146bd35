package acp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// maxLineBytes bounds a single JSON-RPC frame.
const maxLineBytes = 1 << 20 // 1MB

// ErrBrokenPipe is returned by Transport.WriteFrame when the underlying sink has
// been closed; it propagates as connection teardown.
var ErrBrokenPipe = fmt.Errorf("acp: broken pipe")

// Transport turns an ordered pair of byte streams into a framed JSON-RPC
// duplex. Frames are newline-delimited JSON objects; an empty line is
// ignored; a line that fails to parse as JSON is a fatal framing error.
//
// Writes are serialized by an internal mutex so concurrent senders (the
// connection runtime's outbound requests and its reverse-request replies)
// never interleave partial lines.
type Transport struct {
	r *bufio.Scanner
	w io.Writer

	writeMu sync.Mutex
	closed  bool
}

// NewTransport wraps a read/write byte-stream pair as a line-framed duplex.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	// Trailing bytes with no terminating newline at EOF are a partial frame
	// and are dropped rather than parsed.
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && bytes.IndexByte(data, '\n') < 0 {
			return len(data), nil, nil
		}
		return bufio.ScanLines(data, atEOF)
	})
	return &Transport{r: scanner, w: w}
}

// ReadFrame blocks until the next non-empty line arrives, parses it as a
// generic envelope, and returns it. On upstream EOF it returns io.EOF;
// partial buffered bytes at EOF are discarded.
func (t *Transport) ReadFrame() (*envelope, error) {
	for t.r.Scan() {
		line := bytes.TrimSpace(t.r.Bytes())
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, &FramingError{Cause: err}
		}
		return &env, nil
	}
	if err := t.r.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// WriteFrame marshals and writes one JSON-RPC line, terminated by exactly
// one '\n'. It never coalesces two frames into one write and never splits
// one frame across two writes.
func (t *Transport) WriteFrame(env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrBrokenPipe
	}
	if _, err := t.w.Write(data); err != nil {
		t.closed = true
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	return nil
}

// TryWriteFrame is WriteFrame's backpressure-sensitive sibling, used on
// paths where the caller must never block. direction labels the metrics/log
// line ("to_agent" or "to_client") so a drop is attributable.
//
// Transport itself is backed by a plain io.Writer, which never blocks the
// way a bounded channel does; the try-send semantics this function name
// promises are actually implemented one layer up, in acphttp's duplex,
// where the sink genuinely is a bounded channel. This wrapper exists so
// every write site in the core goes through one call shape regardless of
// which concrete sink (process stdin/stdout vs. HTTP duplex) backs it.
func (t *Transport) TryWriteFrame(env *envelope, direction string) {
	if err := t.WriteFrame(env); err != nil {
		preview := previewPayload(env)
		logger.Error("acp: dropping frame on %s after write error: %v (preview=%q)", direction, err, preview)
		metrics.RecordLineDrop(direction)
	}
}

func previewPayload(env *envelope) string {
	data, _ := json.Marshal(env)
	if len(data) > 200 {
		return string(data[:200]) + "..."
	}
	return string(data)
}
