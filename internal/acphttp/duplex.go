// Package acphttp is the HTTP façade: it exposes the bridge's session
// registry and prompt engine over plain HTTP — POST to create a session and
// submit raw JSON-RPC lines, SSE to receive the resulting lines back.
package acphttp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/HyphaGroup/acp-bridge/internal/logger"
	"github.com/HyphaGroup/acp-bridge/internal/metrics"
)

// duplexCapacity bounds each of an HTTP session's two line channels.
const duplexCapacity = 256

// ErrChannelClosed is the broken-pipe error a chanWriter returns once its
// session has been torn down.
var ErrChannelClosed = fmt.Errorf("acphttp: channel closed")

// chanReader presents a channel of lines as a byte-oriented read stream:
// each received string is delivered suffixed with exactly one '\n', and a
// read smaller than the pending line leaves the tail in an internal
// residual buffer for the next call. A closed done channel reads as EOF.
type chanReader struct {
	ch   <-chan string
	done <-chan struct{}

	residual []byte
}

func newChanReader(ch <-chan string, done <-chan struct{}) *chanReader {
	return &chanReader{ch: ch, done: done}
}

func (r *chanReader) Read(p []byte) (int, error) {
	if len(r.residual) > 0 {
		n := copy(p, r.residual)
		r.residual = r.residual[n:]
		return n, nil
	}

	// Drain already-buffered lines before honoring teardown, so messages
	// accepted ahead of a close are not lost.
	select {
	case msg, ok := <-r.ch:
		return r.deliver(msg, ok, p)
	default:
	}

	select {
	case msg, ok := <-r.ch:
		return r.deliver(msg, ok, p)
	case <-r.done:
		return 0, io.EOF
	}
}

func (r *chanReader) deliver(msg string, ok bool, p []byte) (int, error) {
	if !ok {
		return 0, io.EOF
	}
	line := append([]byte(msg), '\n')
	n := copy(p, line)
	if n < len(line) {
		r.residual = line[n:]
	}
	return n, nil
}

// chanWriter presents a channel of lines as a byte-oriented write stream:
// written bytes are split on '\n', empty lines are dropped, and each whole
// line is try-sent — a full channel drops the offending line with a
// truncated log instead of blocking the writer, and a torn-down session
// returns ErrChannelClosed. A write that ends mid-line buffers the
// remainder; a line is never split across two sends and two lines are
// never coalesced into one.
type chanWriter struct {
	ch   chan<- string
	done <-chan struct{}

	buf bytes.Buffer
}

func newChanWriter(ch chan<- string, done <-chan struct{}) *chanWriter {
	return &chanWriter{ch: ch, done: done}
}

func (w *chanWriter) Write(p []byte) (int, error) {
	select {
	case <-w.done:
		return 0, ErrChannelClosed
	default:
	}

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		w.buf.Next(idx + 1)

		if line == "" {
			continue
		}
		select {
		case w.ch <- line:
		case <-w.done:
			return 0, ErrChannelClosed
		default:
			logger.Error("acphttp: channel full, dropping line: %s", truncate(line, 100))
			metrics.RecordLineDrop("to_http_client")
		}
	}
	return len(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
