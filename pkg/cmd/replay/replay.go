package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	pkgbgtask "github.com/stleox/runspan/pkg/bgtask"
	"github.com/stleox/runspan/pkg/cmd/common"
	"github.com/stleox/runspan/pkg/config"
	"github.com/stleox/runspan/pkg/tracer"
)

var (
	// replay var
	replayOpts struct {
		input       string
		batch       bool
		concurrency int
		exporter    string
	}

	// replay flags
	replayFlags = pflag.NewFlagSet("replay", pflag.ContinueOnError)
)

func init() {
	replayFlags.StringVarP(&replayOpts.input, "input", "i", "-", "JSON-lines span events to replay, - for stdin")
	replayFlags.BoolVar(&replayOpts.batch, "batch", false, "Collapse the whole file at once instead of streaming the events")
	replayFlags.IntVar(&replayOpts.concurrency, "concurrency", 8, "Traces replayed in parallel")
	replayFlags.StringVar(&replayOpts.exporter, "exporter", common.ExporterNone, "Where collapsed spans go: none (JSON lines on stdout), stdout, otlp")
}

func New(vp *viper.Viper) *cobra.Command {
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Collapse recorded span events and print or export the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `replay`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load(vp)
			if err != nil {
				return err
			}

			events, err := readInput(cmd.InOrStdin(), replayOpts.input)
			if err != nil {
				return err
			}
			logrus.WithField("events", len(events)).Debug("runspan read replay input")

			sink, cleanup, err := common.GetSink(ctx, vp, replayOpts.exporter, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				if err := cleanup(context.Background()); err != nil {
					logrus.Error(err)
				}
			}()

			if replayOpts.batch {
				return Batch(ctx, cfg, events, sink)
			}
			reg := prometheus.NewRegistry()
			err = Stream(ctx, cfg, events, sink, replayOpts.concurrency, tracer.WithRegisterer(reg))
			summary(reg)
			return err
		},
	}
	replay.Flags().AddFlagSet(replayFlags)
	if err := common.BindConfigFlags(replay.Flags(), vp); err != nil {
		logrus.WithError(err).Warn("runspan couldn't bind config flags")
	}
	return replay
}

func readInput(stdin io.Reader, path string) ([]*Event, error) {
	if path == "-" || path == "" {
		return ReadEvents(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEvents(f)
}

// Stream feeds events through a CollapsingProcessor. Traces are replayed in
// parallel, the events of one trace strictly in order.
func Stream(ctx context.Context, cfg *config.Config, events []*Event, sink tracer.Sink, concurrency int, opts ...tracer.Option) error {
	p, err := tracer.NewCollapsingProcessor(cfg, nil, sink, opts...)
	if err != nil {
		return err
	}

	// init bgTaskManager
	bgTaskManager := pkgbgtask.NewBgTaskManager()
	bgTaskManager.AddSweepTask(p, cfg.SweepInterval())
	bgTaskManager.StartAll()
	defer bgTaskManager.StopAll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, trace := range groupByTrace(events) {
		trace := trace
		g.Go(func() error {
			for _, ev := range trace {
				if err := gctx.Err(); err != nil {
					return err
				}
				var err error
				span := &ev.Span
				if ev.Event == EventStart {
					err = p.OnSpanStart(gctx, span)
				} else {
					err = p.OnSpanEnd(gctx, span)
				}
				if err != nil {
					return fmt.Errorf("trace %s: %w", ev.TraceID, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	if active := p.Store().Len(); active > 0 {
		logrus.WithField("count", active).Warn("runspan replay ended with unfinished runs")
	}
	return errors.Join(err, p.Shutdown(ctx))
}

// Batch collapses the ended spans of events with the offline assembler.
func Batch(ctx context.Context, cfg *config.Config, events []*Event, sink tracer.Sink) error {
	out := tracer.NewAssembler(cfg).Assemble(endedSpans(events))
	for _, span := range out {
		if err := sink.Send(ctx, span); err != nil {
			return err
		}
	}
	logrus.WithField("spans", len(out)).Debug("runspan assembled replay input")
	return nil
}

// summary logs the processor counters at info level.
func summary(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		logrus.WithError(err).Warn("runspan couldn't gather metrics")
		return
	}
	fields := logrus.Fields{}
	for _, mf := range mfs {
		name := strings.TrimPrefix(mf.GetName(), "runspan_")
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetValue())
			}
			sort.Strings(labels)
			key := name
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				fields[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				fields[key] = m.GetGauge().GetValue()
			}
		}
	}
	logrus.WithFields(fields).Info("runspan replay summary")
}
