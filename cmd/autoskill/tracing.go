package main

import (
	"context"

	"github.com/jingkaihe/autoskill/pkg/telemetry"
	"github.com/jingkaihe/autoskill/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// untracedFlags carry free text or event payloads and never become span
// attributes.
var untracedFlags = map[string]bool{
	"input":       true,
	"description": true,
	"user":        true,
}

// initTracing installs the tracer provider described by the tracing.* keys.
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	return telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		Sampler:        viper.GetString("tracing.sampler"),
		Ratio:          viper.GetFloat64("tracing.ratio"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    telemetry.TracerName,
		ServiceVersion: version.Get().Version,
	})
}

var tracer = telemetry.Tracer("autoskill.cli")

// withTracing runs the command inside a cli.command span that records the
// command path and the flags the user set.
func withTracing(cmd *cobra.Command) *cobra.Command {
	run := cmd.Run
	cmd.Run = func(cmd *cobra.Command, args []string) {
		attrs := []attribute.KeyValue{
			attribute.String("command.name", cmd.Name()),
			attribute.String("command.path", cmd.CommandPath()),
			attribute.Int("args.count", len(args)),
		}
		cmd.Flags().Visit(func(flag *pflag.Flag) {
			if !untracedFlags[flag.Name] {
				attrs = append(attrs, attribute.String("flag."+flag.Name, flag.Value.String()))
			}
		})

		ctx, span := tracer.Start(cmd.Context(), "cli.command", trace.WithAttributes(attrs...))
		defer span.End()

		cmd.SetContext(ctx)
		run(cmd, args)
		span.SetStatus(codes.Ok, "")
	}
	return cmd
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	flags.String("tracing-sampler", telemetry.SamplerRatio, "Tracing sampler (always, never, ratio)")
	flags.Float64("tracing-ratio", 1, "Sampling ratio for the ratio sampler")
	flags.String("tracing-endpoint", "", "OTLP/HTTP endpoint URL, defaults to OTEL_EXPORTER_OTLP_ENDPOINT")

	viper.BindPFlag("tracing.enabled", flags.Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sampler", flags.Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.ratio", flags.Lookup("tracing-ratio"))
	viper.BindPFlag("tracing.endpoint", flags.Lookup("tracing-endpoint"))
}
