// Package trace records spans and instant events of a kiln run: the driver,
// each pipeline stage, and with higher levels every lowered function.
//
// Tracing is off unless a tracer is attached to the context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeStage, "lower", 0)
//	defer span.End("")
//
// Stream tracers write events as they happen (text, NDJSON or Chrome
// trace_event JSON); ring tracers keep the last events in memory so they can
// be dumped when a run fails.
package trace
