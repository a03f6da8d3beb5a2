package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kiln/internal/config"
	"kiln/internal/trace"
)

func addTraceFlags(pf *pflag.FlagSet) {
	pf.String("trace", "", "trace output file (\"-\" for stderr)")
	pf.String("trace-level", "off", "trace level (off|error|stage|func|debug)")
	pf.String("trace-mode", "stream", "trace storage (stream|ring|both)")
	pf.String("trace-format", "auto", "trace format (auto|text|ndjson|chrome)")
	pf.Int("trace-ring-size", 4096, "events kept by the ring tracer")
	pf.Duration("trace-heartbeat", 0, "emit a heartbeat event at this interval (0 disables)")
}

// traceSession owns the tracer for one command.
type traceSession struct {
	tracer    trace.Tracer
	heartbeat *trace.Heartbeat
}

// setupTracing builds the tracer from kiln.toml and the trace flags (flags
// win) and attaches it to the command context.
func setupTracing(cmd *cobra.Command, cfg config.Config) (*traceSession, error) {
	pf := cmd.Root().PersistentFlags()
	pick := func(name, fromConfig string) (string, error) {
		v, err := pf.GetString(name)
		if err != nil {
			return "", fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		if !pf.Changed(name) && fromConfig != "" {
			return fromConfig, nil
		}
		return v, nil
	}

	output, err := pick("trace", cfg.Trace.Output)
	if err != nil {
		return nil, err
	}
	levelStr, err := pick("trace-level", cfg.Trace.Level)
	if err != nil {
		return nil, err
	}
	modeStr, err := pick("trace-mode", cfg.Trace.Mode)
	if err != nil {
		return nil, err
	}
	formatStr, err := pick("trace-format", cfg.Trace.Format)
	if err != nil {
		return nil, err
	}
	ringSize, err := pf.GetInt("trace-ring-size")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
	}
	heartbeat, err := pf.GetDuration("trace-heartbeat")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	// --trace alone implies stage level.
	if output != "" && level == trace.LevelOff && !pf.Changed("trace-level") {
		level = trace.LevelStage
	}
	mode, err := trace.ParseMode(modeStr)
	if err != nil {
		return nil, err
	}
	format, err := trace.ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	tracer, err := trace.New(trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: output,
		RingSize:   ringSize,
		Heartbeat:  heartbeat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	ctx := trace.WithTracer(cmd.Context(), tracer)
	cmd.SetContext(ctx)
	cmd.Root().SetContext(ctx)

	return &traceSession{
		tracer:    tracer,
		heartbeat: trace.StartHeartbeat(tracer, heartbeat),
	}, nil
}

// Close stops the heartbeat and flushes the tracer. When the command failed
// and events were kept in memory, they are dumped to stderr first.
func (s *traceSession) Close(failed bool) {
	if s == nil {
		return
	}
	s.heartbeat.Stop()
	if failed {
		if ring, ok := trace.Ring(s.tracer); ok {
			fmt.Fprintf(os.Stderr, "--- trace (last %d events) ---\n", len(ring.Snapshot()))
			if err := ring.Dump(os.Stderr, trace.FormatText); err != nil {
				fmt.Fprintf(os.Stderr, "trace dump: %v\n", err)
			}
		}
	}
	if err := s.tracer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "trace flush: %v\n", err)
	}
	if err := s.tracer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "trace close: %v\n", err)
	}
}
