package tracer

import (
	"context"
	"fmt"

	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tr "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stleox/runspan/pkg/config"
)

// ExporterSink hands spans to an SDK span processor, normally a batcher in
// front of an exporter. OnEnd of the batcher only enqueues.
type ExporterSink struct {
	next     sdktr.SpanProcessor
	resource *resource.Resource
}

func NewExporterSink(next sdktr.SpanProcessor, res *resource.Resource) *ExporterSink {
	if res == nil {
		res = resource.Empty()
	}
	return &ExporterSink{next: next, resource: res}
}

// Processor is the downstream SDK processor, to be flushed and shut down by
// the owner.
func (e *ExporterSink) Processor() sdktr.SpanProcessor {
	return e.next
}

func (e *ExporterSink) Send(_ context.Context, span *Span) error {
	ro, err := e.readOnly(span)
	if err != nil {
		return err
	}
	e.next.OnEnd(ro)
	return nil
}

func (e *ExporterSink) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func (e *ExporterSink) readOnly(span *Span) (sdktr.ReadOnlySpan, error) {
	parent, extra := e.parentContext(span)
	if span.Origin != nil {
		if span.Origin.Parent().SpanID() == parent.SpanID() && len(extra) == 0 {
			return span.Origin, nil
		}
		return reparentedSpan{ReadOnlySpan: span.Origin, parent: parent, extra: extra}, nil
	}

	traceID := convertTraceID(span.TraceID)
	spanID, ok := convertSpanID(span.SpanID)
	if !traceID.IsValid() || !ok {
		return nil, fmt.Errorf("span %q of trace %q has no valid OTel ids", span.SpanID, span.TraceID)
	}
	stub := tracetest.SpanStub{
		Name: span.Name,
		SpanContext: tr.NewSpanContext(tr.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: tr.FlagsSampled,
		}),
		Parent:     parent,
		SpanKind:   tr.SpanKindInternal,
		StartTime:  span.StartTime,
		Attributes: append(toKeyValues(span.Attributes), extra...),
		Status:     toOtelStatus(span.Status, span.StatusDescription),
		Resource:   e.resource,
	}
	if span.EndTime != nil {
		stub.EndTime = *span.EndTime
	}
	return stub.Snapshot(), nil
}

// parentContext converts ParentID; ids that are not OTel span ids (an external
// system's parent) travel as an attribute instead.
func (e *ExporterSink) parentContext(span *Span) (tr.SpanContext, []attr.KeyValue) {
	if span.ParentID == "" {
		return tr.SpanContext{}, nil
	}
	spanID, ok := convertSpanID(span.ParentID)
	if !ok {
		return tr.SpanContext{}, []attr.KeyValue{attr.String(config.AttrExternalParentID, span.ParentID)}
	}
	return tr.NewSpanContext(tr.SpanContextConfig{
		TraceID:    convertTraceID(span.TraceID),
		SpanID:     spanID,
		TraceFlags: tr.FlagsSampled,
	}), nil
}

// reparentedSpan is the original SDK span with its parent rewritten; timings,
// events, links and resource are untouched.
type reparentedSpan struct {
	sdktr.ReadOnlySpan
	parent tr.SpanContext
	extra  []attr.KeyValue
}

func (s reparentedSpan) Parent() tr.SpanContext {
	return s.parent
}

func (s reparentedSpan) Attributes() []attr.KeyValue {
	if len(s.extra) == 0 {
		return s.ReadOnlySpan.Attributes()
	}
	orig := s.ReadOnlySpan.Attributes()
	out := make([]attr.KeyValue, 0, len(orig)+len(s.extra))
	return append(append(out, orig...), s.extra...)
}

// NewGRPCExporterSink batches spans to an OTLP/gRPC endpoint, configured by
// the standard OTEL_EXPORTER_OTLP_* environment when endpoint is empty.
func NewGRPCExporterSink(ctx context.Context, endpoint string, insecureConn bool, res *resource.Resource) (*ExporterSink, error) {
	opts := make([]otlptracegrpc.Option, 0)
	if endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	if insecureConn {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC exporter: %w", err)
	}
	return NewExporterSink(sdktr.NewBatchSpanProcessor(exporter), res), nil
}

func NewStdoutExporterSink(res *resource.Resource) (*ExporterSink, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return NewExporterSink(sdktr.NewBatchSpanProcessor(exporter), res), nil
}

// NewInMemoryExporterSink exports synchronously into memory; for tests and dry runs.
func NewInMemoryExporterSink() (*ExporterSink, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	res := resource.NewSchemaless(attr.Bool("debug", true))
	return NewExporterSink(sdktr.NewSimpleSpanProcessor(exporter), res), exporter
}
