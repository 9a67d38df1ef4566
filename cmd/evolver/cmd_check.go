package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the resolved settings",
		Long: `Load the configuration file, apply environment overrides and validate the result,
including the generation flags. Exits 1 on the first invalid setting or flag conflict.`,
		Example: `  evolver check-config --config config/evolver.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(*configPath, cmd.OutOrStdout())
		},
	}
}

func checkConfig(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	mode, err := config.ResolveGenerationMode(cfg.Generation)
	if err != nil {
		return err
	}

	source := "spool " + cfg.Generation.SpoolDir
	switch {
	case len(cfg.Generation.Command) > 0:
		source = fmt.Sprintf("command %v", cfg.Generation.Command)
	case cfg.Generation.Queue != "":
		source = "queue " + cfg.Generation.Queue
	}

	fmt.Fprintln(out, "configuration OK")
	fmt.Fprintf(out, "  environment:        %s\n", cfg.Env)
	fmt.Fprintf(out, "  generation mode:    %s\n", mode)
	fmt.Fprintf(out, "  candidate source:   %s\n", source)
	fmt.Fprintf(out, "  sandbox backend:    %s\n", cfg.Sandbox.Backend)
	fmt.Fprintf(out, "  max iterations:     %d (batches of %d)\n", cfg.Evolver.MaxIterations, cfg.Evolver.MaxConcurrentSandboxes)
	fmt.Fprintf(out, "  history:            %s\n", cfg.Evolver.HistoryPath)
	fmt.Fprintf(out, "  validation:         benchmark %.3f + margin %.3f, cutoff %.3f at alpha %.3f\n",
		cfg.Evolver.BenchmarkSharpe, cfg.Evolver.DynamicThresholdMargin,
		cfg.Evolver.SignificanceSharpeCutoff, cfg.Evolver.SignificanceBaseAlpha)
	fmt.Fprintf(out, "  comparison family:  %s\n", cfg.Evolver.SignificanceFamily)
	fmt.Fprintf(out, "  database mirror:    %t\n", cfg.Database.Enabled())
	fmt.Fprintf(out, "  rabbitmq:           %t\n", cfg.RabbitMQ.URL != "")
	fmt.Fprintf(out, "  grpc health port:   %d\n", cfg.GRPC.Port)
	fmt.Fprintf(out, "  tracing:            %s\n", cfg.Tracing.Exporter)
	return nil
}
