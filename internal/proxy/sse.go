package proxy

import (
	"bytes"
	"io"

	"github.com/kleisproxy/kleis/internal/usage"
)

// sseReader forwards an upstream SSE stream while parsing it on the
// side. The caller sees the upstream bytes (optionally run through a
// per-chunk rewrite); the parser splits the same pre-rewrite bytes
// into events and feeds each event's concatenated data payload to the
// extractor. When the upstream ends, any trailing partial event is
// flushed as if terminated by a blank line.
type sseReader struct {
	upstream  io.ReadCloser
	extractor Extractor
	onUsage   func(usage.TokenUsage)
	// rewrite transforms each outgoing chunk; nil forwards byte-exact.
	rewrite func([]byte) []byte

	out     bytes.Buffer
	pending []byte
	data    []byte
	scratch []byte
	eof     bool
	closed  bool
}

func newSSEReader(upstream io.ReadCloser, extractor Extractor, onUsage func(usage.TokenUsage), rewrite func([]byte) []byte) *sseReader {
	return &sseReader{
		upstream:  upstream,
		extractor: extractor,
		onUsage:   onUsage,
		rewrite:   rewrite,
		scratch:   make([]byte, 16*1024),
	}
}

func (r *sseReader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 {
		if r.eof {
			return 0, io.EOF
		}
		n, err := r.upstream.Read(r.scratch)
		if n > 0 {
			chunk := r.scratch[:n]
			r.parse(chunk)
			if r.rewrite != nil {
				chunk = r.rewrite(chunk)
			}
			r.out.Write(chunk)
		}
		if err == io.EOF {
			r.finish()
			r.eof = true
			if r.out.Len() == 0 {
				return 0, io.EOF
			}
			break
		}
		if err != nil {
			r.finish()
			r.eof = true
			if r.out.Len() > 0 {
				break
			}
			return 0, err
		}
	}
	return r.out.Read(p)
}

// Close closes the upstream reader; closing the wrapped response
// cancels the upstream stream.
func (r *sseReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.upstream.Close()
}

func (r *sseReader) parse(chunk []byte) {
	r.pending = append(r.pending, chunk...)
	for {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			return
		}
		line := r.pending[:idx]
		r.pending = r.pending[idx+1:]
		r.handleLine(line)
	}
}

func (r *sseReader) handleLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		r.flushEvent()
		return
	}
	if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		payload = bytes.TrimPrefix(payload, []byte(" "))
		if len(r.data) > 0 {
			r.data = append(r.data, '\n')
		}
		r.data = append(r.data, payload...)
	}
}

func (r *sseReader) flushEvent() {
	if len(r.data) == 0 {
		return
	}
	payload := r.data
	r.data = nil
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return
	}
	r.extractor.OnEvent(payload, r.onUsage)
}

// finish flushes a trailing partial event and lets the extractor emit
// its end-of-stream total.
func (r *sseReader) finish() {
	if len(r.pending) > 0 {
		r.handleLine(r.pending)
		r.pending = nil
	}
	r.flushEvent()
	r.extractor.OnClose(r.onUsage)
}
