package demo

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"

	pkgbgtask "github.com/stleox/runspan/pkg/bgtask"
	"github.com/stleox/runspan/pkg/cmd/common"
	"github.com/stleox/runspan/pkg/config"
	"github.com/stleox/runspan/pkg/tracer"
)

var (
	demoOpts struct {
		exporter string
		runs     int
		fail     bool
	}

	demoFlags = pflag.NewFlagSet("demo", pflag.ContinueOnError)
)

func init() {
	demoFlags.StringVar(&demoOpts.exporter, "exporter", common.ExporterStdout, "Where collapsed spans go: none (JSON lines on stdout), stdout, otlp")
	demoFlags.IntVar(&demoOpts.runs, "runs", 1, "Agent runs to simulate")
	demoFlags.BoolVar(&demoOpts.fail, "fail", false, "End every run with an error status")
}

func New(vp *viper.Viper) *cobra.Command {
	demo := &cobra.Command{
		Use:   "demo",
		Short: "Trace a simulated agent graph through the collapsing processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load(vp)
			if err != nil {
				return err
			}
			sink, cleanup, err := common.GetSink(ctx, vp, demoOpts.exporter, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			tp, p, err := NewTracerProvider(cfg, sink)
			if err != nil {
				return errors.Join(err, cleanup(ctx))
			}

			// init bgTaskManager
			bgTaskManager := pkgbgtask.NewBgTaskManager()
			bgTaskManager.AddSweepTask(p, cfg.SweepInterval())
			bgTaskManager.StartAll()
			defer bgTaskManager.StopAll(ctx)

			t := tp.Tracer("github.com/stleox/runspan/demo")
			for i := 0; i < demoOpts.runs && ctx.Err() == nil; i++ {
				RunAgent(ctx, t, cfg.KindAttributeKey, demoOpts.fail)
			}

			// flush downstream before shutting the processor down
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			err = errors.Join(tp.ForceFlush(shutdownCtx), tp.Shutdown(shutdownCtx))
			if _, ok := sink.(*tracer.ExporterSink); !ok {
				// exporter sinks are shut down with the provider
				err = errors.Join(err, cleanup(shutdownCtx))
			}
			return err
		},
	}
	demo.Flags().AddFlagSet(demoFlags)
	if err := common.BindConfigFlags(demo.Flags(), vp); err != nil {
		logrus.WithError(err).Warn("runspan couldn't bind config flags")
	}
	return demo
}

// NewTracerProvider builds a provider whose only span processor collapses
// agent-graph traces into sink.
func NewTracerProvider(cfg *config.Config, sink tracer.Sink) (*sdktr.TracerProvider, *tracer.CollapsingProcessor, error) {
	p, err := tracer.NewCollapsingProcessor(cfg, nil, sink)
	if err != nil {
		return nil, nil, err
	}
	var downstream sdktr.SpanProcessor
	if es, ok := sink.(*tracer.ExporterSink); ok {
		downstream = es.Processor()
	}
	tp := sdktr.NewTracerProvider(
		sdktr.WithSampler(sdktr.AlwaysSample()),
		sdktr.WithSpanProcessor(tracer.NewSpanProcessor(p, downstream)),
	)
	return tp, p, nil
}

// RunAgent traces one agent run: a model call, a tool call, then a node that
// wraps a second tool call.
func RunAgent(ctx context.Context, t tr.Tracer, kindKey string, fail bool) {
	kind := func(k string) tr.SpanStartOption {
		return tr.WithAttributes(attr.String(kindKey, k))
	}

	ctx, root := t.Start(ctx, "LangGraph", kind("chain"), tr.WithAttributes(attr.String("session.id", "demo")))
	defer func() {
		if fail {
			root.SetStatus(codes.Error, "agent gave up")
		}
		root.End()
	}()

	_, llm := t.Start(ctx, "ChatOpenAI", kind("LLM"), tr.WithAttributes(attr.String("gen_ai.request.model", "gpt-4o")))
	time.Sleep(5 * time.Millisecond)
	llm.End()

	_, tool := t.Start(ctx, "search", kind("TOOL"))
	time.Sleep(5 * time.Millisecond)
	tool.End()

	nodeCtx, node := t.Start(ctx, "RunnableSequence", tr.WithAttributes(attr.Bool("langgraph.internal", true)))
	_, fetch := t.Start(nodeCtx, "fetch", kind("TOOL"))
	time.Sleep(5 * time.Millisecond)
	fetch.End()
	node.End()
}
