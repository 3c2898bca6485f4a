// Command etwgecko converts a captured ETW trace into a Firefox
// Profiler gecko.json document for one target process, correlating
// samples, context switches, library loads, and markers end to end.
package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jrmuizel/etw-profiler/internal/engine"
	"github.com/jrmuizel/etw-profiler/internal/etwtrace"
	"github.com/jrmuizel/etw-profiler/internal/logging"
	"github.com/jrmuizel/etw-profiler/internal/profile"
	"github.com/jrmuizel/etw-profiler/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	mergeThreads     bool
	idle             bool
	demandZeroFaults bool
	markerFile       string
	markerPrefix     string
	statsJSON        bool
	output           string
	logLevel         string
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "etwgecko <trace_file> <pid|image_name_substring>",
		Short:        "Correlate an ETW trace into a gecko.json flame-graph profile",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], f)
		},
	}
	cmd.Flags().BoolVar(&f.mergeThreads, "merge-threads", false, "attribute every sample to one synthetic global thread")
	cmd.Flags().BoolVar(&f.idle, "idle", false, "in merge-threads mode, surface samples from untracked threads as Idle/Other")
	cmd.Flags().BoolVar(&f.demandZeroFaults, "demand-zero-faults", false, "also trigger samples on demand-zero page faults")
	cmd.Flags().StringVar(&f.markerFile, "marker-file", "", "newline-delimited JSON sidecar of externally computed markers")
	cmd.Flags().StringVar(&f.markerPrefix, "filter-by-marker-prefix", "", "restrict emitted markers (and, when set, samples) to this marker-file name prefix")
	cmd.Flags().BoolVar(&f.statsJSON, "stats-json", false, "also write run statistics as JSON to stderr")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output file path (default: stdout)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "trace, debug, info, warn, or error")
	return cmd
}

func run(tracePath, selector string, f flags) error {
	cfg := logging.DefaultConfig()
	cfg.Level = f.logLevel
	log := logging.NewWithComponent(cfg, "etwgecko")

	target := parseSelector(selector)

	traceFile, err := os.Open(tracePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", tracePath).Msg("failed to open trace file")
	}
	defer traceFile.Close()

	builder := profile.New("etwgecko")
	opts := engine.Options{
		Target:           target,
		MergeThreads:     f.mergeThreads,
		IncludeIdle:      f.idle,
		DemandZeroFaults: f.demandZeroFaults,
		MarkerFilePrefix: f.markerPrefix,
		Product:          "etwgecko",
	}
	d := engine.New(opts, builder, log)

	if f.markerFile != "" {
		mf, err := os.Open(f.markerFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", f.markerFile).Msg("failed to open marker file")
		}
		defer mf.Close()
		if err := d.LoadMarkerFile(mf); err != nil {
			log.Fatal().Err(err).Msg("failed to parse marker file")
		}
	}

	src := etwtrace.NewFileSource(traceFile)
	if err := d.Run(src); err != nil {
		log.Fatal().Err(err).Msg("aborted while reading trace")
	}

	out := os.Stdout
	if f.output != "" {
		w, err := os.Create(f.output)
		if err != nil {
			log.Fatal().Err(err).Str("path", f.output).Msg("failed to create output file")
		}
		defer w.Close()
		out = w
	}
	if err := builder.Marshal(out); err != nil {
		log.Fatal().Err(err).Msg("failed to write profile")
	}

	stats := d.Stats()
	log.Info().Msg(stats.String())
	if f.statsJSON {
		enc := json.NewEncoder(os.Stderr)
		if err := enc.Encode(stats); err != nil {
			log.Warn().Err(err).Msg("failed to encode stats as JSON")
		}
	}
	return nil
}

// parseSelector accepts either a bare integer pid or an image-name
// substring, matching spec.md §6.1's single positional selector.
func parseSelector(s string) registry.Target {
	if pid, err := strconv.Atoi(s); err == nil && pid > 0 {
		return registry.Target{PID: pid}
	}
	return registry.Target{NameSubstr: s}
}
