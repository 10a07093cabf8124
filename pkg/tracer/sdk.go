package tracer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
)

// SpanProcessor registers a CollapsingProcessor on an SDK TracerProvider.
//
// The SDK span processor hooks cannot return errors, so failed sends are
// reported to the global OTel error handler.
type SpanProcessor struct {
	collapser *CollapsingProcessor
	kindKey   string
	// downstream is shut down and flushed together with this processor
	downstream sdktr.SpanProcessor
}

var _ sdktr.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor wraps collapser. downstream may be nil when the sink is not
// backed by an SDK span processor.
func NewSpanProcessor(collapser *CollapsingProcessor, downstream sdktr.SpanProcessor) *SpanProcessor {
	return &SpanProcessor{
		collapser:  collapser,
		kindKey:    collapser.cfg.KindAttributeKey,
		downstream: downstream,
	}
}

func (p *SpanProcessor) OnStart(ctx context.Context, s sdktr.ReadWriteSpan) {
	if err := p.collapser.OnSpanStart(ctx, FromReadOnlySpan(s, p.kindKey)); err != nil {
		otel.Handle(err)
	}
}

func (p *SpanProcessor) OnEnd(s sdktr.ReadOnlySpan) {
	if err := p.collapser.OnSpanEnd(context.Background(), FromReadOnlySpan(s, p.kindKey)); err != nil {
		otel.Handle(err)
	}
}

// Shutdown discards unfinished traces, then shuts the downstream processor.
func (p *SpanProcessor) Shutdown(ctx context.Context) error {
	err := p.collapser.Shutdown(ctx)
	if p.downstream != nil {
		err = errors.Join(err, p.downstream.Shutdown(ctx))
	}
	return err
}

func (p *SpanProcessor) ForceFlush(ctx context.Context) error {
	if p.downstream == nil {
		return nil
	}
	return p.downstream.ForceFlush(ctx)
}
