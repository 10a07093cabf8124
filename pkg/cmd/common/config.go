package common

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigFlags are the processor options settable from the command line; every
// other option comes from config.yaml or RUNSPAN_* variables.
var ConfigFlags = pflag.NewFlagSet("config", pflag.ContinueOnError)

func init() {
	ConfigFlags.Bool("enabled", true, "Collapse agent-graph traces; off passes every span through")
	ConfigFlags.String("external-parent-id", "", "Parent id of the run span, or of the root's children with --filter-root")
	ConfigFlags.Bool("filter-root", false, "Drop the run span and hang the root's children under --external-parent-id")
	ConfigFlags.Int("idle-eviction-seconds", 300, "Evict trace state idle for this long, 0 disables")
	ConfigFlags.Int("sweep-interval-seconds", 30, "Background sweep period, 0 disables")
	ConfigFlags.String("synthetic-span-name", "", "Name of the run span (default: the root's name)")
	ConfigFlags.String("otlp-endpoint", "", "OTLP/gRPC collector address (default: OTEL_EXPORTER_OTLP_ENDPOINT)")
	ConfigFlags.Bool("otlp-insecure", false, "Dial the OTLP collector without TLS")
}

// BindConfigFlags wires ConfigFlags to vp under their config key names.
func BindConfigFlags(flags *pflag.FlagSet, vp *viper.Viper) error {
	flags.AddFlagSet(ConfigFlags)
	var err error
	ConfigFlags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = vp.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), flags.Lookup(f.Name))
	})
	return err
}
