package tracer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
)

var ErrSinkClosed = errors.New("sink is closed")

// Sink accepts finished (or synthetic running) spans for batching and export.
// Send must hand the span off without blocking on I/O; retry and backpressure
// are the sink's business.
type Sink interface {
	Send(ctx context.Context, span *Span) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, span *Span) error

func (f SinkFunc) Send(ctx context.Context, span *Span) error {
	return f(ctx, span)
}

// MemorySink records every span it is sent, in order.
type MemorySink struct {
	mu     sync.Mutex
	spans  []*Span
	closed bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{spans: make([]*Span, 0)}
}

func (m *MemorySink) Send(_ context.Context, span *Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.spans = append(m.spans, span)
	return nil
}

// Spans returns a snapshot of the recorded spans.
func (m *MemorySink) Spans() []*Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Span, len(m.spans))
	copy(out, m.spans)
	return out
}

// ByTrace returns the recorded spans of one trace, in send order.
func (m *MemorySink) ByTrace(traceID string) []*Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Span, 0)
	for _, s := range m.spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.spans = m.spans[:0]
	m.mu.Unlock()
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// WriterSink encodes spans as JSON lines onto a buffered writer.
type WriterSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriter(w)}
}

func (ws *WriterSink) Send(_ context.Context, span *Span) error {
	line, err := sonic.Marshal(span)
	if err != nil {
		return fmt.Errorf("encoding span %s: %w", span.SpanID, err)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return ErrSinkClosed
	}
	if _, err := ws.w.Write(line); err != nil {
		return fmt.Errorf("writing span %s: %w", span.SpanID, err)
	}
	return ws.w.WriteByte('\n')
}

func (ws *WriterSink) Flush() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.w.Flush()
}

// Close flushes pending lines; later sends fail with ErrSinkClosed.
func (ws *WriterSink) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil
	}
	ws.closed = true
	return ws.w.Flush()
}
