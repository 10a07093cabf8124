package tracer

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	r "github.com/stretchr/testify/require"
	attr "go.opentelemetry.io/otel/attribute"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tr "go.opentelemetry.io/otel/trace"

	"github.com/stleox/runspan/pkg/config"
)

func TestSpanProcessor_TracerProvider(t *testing.T) {
	cfg := config.Default()
	sink, exporter := NewInMemoryExporterSink()
	p, err := NewCollapsingProcessor(cfg, nil, sink)
	r.NoError(t, err)
	tp := sdktr.NewTracerProvider(sdktr.WithSpanProcessor(NewSpanProcessor(p, sink.Processor())))
	tracer := tp.Tracer("runspan-test")

	ctx, root := tracer.Start(context.Background(), "LangGraph")
	_, llm := tracer.Start(ctx, "ChatOpenAI", tr.WithAttributes(attr.String(cfg.KindAttributeKey, "LLM")))
	llm.End()
	nodeCtx, node := tracer.Start(ctx, "RunnableSequence")
	_, tool := tracer.Start(nodeCtx, "search", tr.WithAttributes(attr.String(cfg.KindAttributeKey, "TOOL")))
	tool.End()
	node.End()
	root.End()

	// Shutdown resets the in-memory exporter
	spans := exporter.GetSpans()
	r.Len(t, spans, 4)
	r.Equal(t, []string{"LangGraph", "ChatOpenAI", "search", "LangGraph"}, mockStubNames(spans))

	running, completed := spans[0], spans[3]
	r.Equal(t, running.SpanContext.SpanID(), completed.SpanContext.SpanID())
	r.Equal(t, root.SpanContext().TraceID(), running.SpanContext.TraceID())
	r.NotEqual(t, root.SpanContext().SpanID(), running.SpanContext.SpanID())
	r.False(t, running.Parent.IsValid())
	r.True(t, completed.EndTime.After(completed.StartTime) || completed.EndTime.Equal(completed.StartTime))

	for _, leaf := range spans[1:3] {
		r.Equal(t, running.SpanContext.SpanID(), leaf.Parent.SpanID())
	}
	r.Equal(t, llm.SpanContext().SpanID(), spans[1].SpanContext.SpanID())

	r.Equal(t, float64(1), testutil.ToFloat64(p.Metrics().SyntheticSpans.WithLabelValues(config.RunStateCompleted)))
	r.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanProcessor_passthrough(t *testing.T) {
	sink, exporter := NewInMemoryExporterSink()
	p, err := NewCollapsingProcessor(config.Default(), nil, sink)
	r.NoError(t, err)
	tp := sdktr.NewTracerProvider(sdktr.WithSpanProcessor(NewSpanProcessor(p, sink.Processor())))
	tracer := tp.Tracer("runspan-test")

	ctx, req := tracer.Start(context.Background(), "GET /agents")
	_, db := tracer.Start(ctx, "db.query")
	db.End()
	req.End()

	spans := exporter.GetSpans()
	r.Len(t, spans, 2)
	r.Equal(t, "db.query", spans[0].Name)
	r.Equal(t, req.SpanContext().SpanID(), spans[0].Parent.SpanID())
	r.NoError(t, tp.Shutdown(context.Background()))
}

func TestExporterSink_stub(t *testing.T) {
	sink, exporter := NewInMemoryExporterSink()
	ctx := context.Background()

	s := mockSpan(traceT1, "00f067aa0ba902b7", "ext-42", "LangGraph", "", 0, 5)
	s.Attributes = Attributes{"session.id": "s1"}
	r.NoError(t, sink.Send(ctx, s))

	spans := exporter.GetSpans()
	r.Len(t, spans, 1)
	got := spans[0]
	r.Equal(t, traceT1, got.SpanContext.TraceID().String())
	r.Equal(t, "00f067aa0ba902b7", got.SpanContext.SpanID().String())
	r.False(t, got.Parent.IsValid())
	r.Contains(t, got.Attributes, attr.String(config.AttrExternalParentID, "ext-42"))
	r.Contains(t, got.Attributes, attr.String("session.id", "s1"))
	r.Equal(t, mockTime(5), got.EndTime)

	err := sink.Send(ctx, mockSpan("T1", "root", "", "LangGraph", "", 0, 5))
	r.Error(t, err)
}

func mockStubNames(spans tracetest.SpanStubs) []string {
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Name)
	}
	return out
}
