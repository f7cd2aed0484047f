package process

import (
	"bytes"
	"io"
	"sync"

	"github.com/go-logr/logr"
)

// outputBuffer keeps the trailing limit bytes written to it and forwards
// complete lines to a logger.
type outputBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	partial []byte
	log     logr.Logger
	stream  string
}

func newOutputBuffer(limit int, log logr.Logger, stream string) *outputBuffer {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &outputBuffer{
		limit:  limit,
		log:    log,
		stream: stream,
	}
}

// Write implements io.Writer. It never fails.
func (b *outputBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, data...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}

	if b.log.V(1).Enabled() {
		b.partial = append(b.partial, data...)
		for {
			i := bytes.IndexByte(b.partial, '\n')
			if i < 0 {
				break
			}
			b.log.V(1).Info("process output", "stream", b.stream, "line", string(b.partial[:i]))
			b.partial = b.partial[i+1:]
		}
		if len(b.partial) > b.limit {
			b.partial = b.partial[len(b.partial)-b.limit:]
		}
	}

	return len(data), nil
}

// flush logs a trailing line that was not newline-terminated.
func (b *outputBuffer) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.partial) > 0 {
		b.log.V(1).Info("process output", "stream", b.stream, "line", string(b.partial))
		b.partial = nil
	}
}

// String returns a copy of the captured output.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// teeWriter combines a caller-supplied writer with the capture buffer.
func teeWriter(existing io.Writer, capture io.Writer) io.Writer {
	if existing == nil {
		return capture
	}
	return io.MultiWriter(existing, capture)
}
