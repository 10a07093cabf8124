package common

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/stleox/runspan/pkg/tracer"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// GetSink builds the downstream sink named by exporter. "none" writes JSON
// lines to out. cleanup flushes and closes the sink.
func GetSink(ctx context.Context, vp *viper.Viper, exporter string, out io.Writer) (tracer.Sink, func(context.Context) error, error) {
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String("runspan"))

	switch exporter {
	case ExporterNone, "":
		ws := tracer.NewWriterSink(out)
		return ws, func(context.Context) error { return ws.Close() }, nil
	case ExporterStdout:
		sink, err := tracer.NewStdoutExporterSink(res)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Shutdown, nil
	case ExporterOTLP:
		endpoint := vp.GetString("otlp_endpoint")
		sink, err := tracer.NewGRPCExporterSink(ctx, endpoint, vp.GetBool("otlp_insecure"), res)
		if err != nil {
			return nil, nil, err
		}
		logrus.WithField("endpoint", endpoint).Info("runspan exporting to OTLP collector")
		return sink, sink.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter %q, want one of none, stdout, otlp", exporter)
	}
}
