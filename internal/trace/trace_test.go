package trace_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/go-test/deep"
	"github.com/spf13/afero"

	"kiln/internal/trace"
)

func TestLevel_ShouldEmit(t *testing.T) {
	cases := []struct {
		level trace.Level
		scope trace.Scope
		want  bool
	}{
		{trace.LevelOff, trace.ScopeDriver, false},
		{trace.LevelError, trace.ScopeDriver, false},
		{trace.LevelStage, trace.ScopeStage, true},
		{trace.LevelStage, trace.ScopeFunc, false},
		{trace.LevelFunc, trace.ScopeFunc, true},
		{trace.LevelFunc, trace.ScopeBlock, false},
		{trace.LevelDebug, trace.ScopeBlock, true},
	}
	for _, tc := range cases {
		if got := tc.level.ShouldEmit(tc.scope); got != tc.want {
			t.Errorf("%s.ShouldEmit(%s) = %v, want %v", tc.level, tc.scope, got, tc.want)
		}
	}
}

func TestLevel_Set(t *testing.T) {
	var l trace.Level
	if err := l.Set("FUNC"); err != nil || l != trace.LevelFunc {
		t.Fatalf("Set(FUNC) = %v, level %s", err, l)
	}
	if err := l.Set("verbose"); err == nil {
		t.Fatal("Set(verbose) succeeded")
	}
}

func TestStream_Text(t *testing.T) {
	var buf bytes.Buffer
	tr := trace.NewStreamTracer(&buf, trace.LevelStage, trace.FormatText)

	stage := trace.Begin(tr, trace.ScopeStage, "lower m", 0)
	fn := trace.Begin(tr, trace.ScopeFunc, "lower f", stage.ID())
	fn.End("")
	stage.WithExtra("funcs", "1").WithExtra("blocks", "3").End("ok")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[0], "-> lower m") {
		t.Errorf("begin line %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "<- lower m (ok) {blocks=3, funcs=1}") {
		t.Errorf("end line %q", lines[1])
	}
}

func TestStream_ChromeDocument(t *testing.T) {
	var buf bytes.Buffer
	tr := trace.NewStreamTracer(&buf, trace.LevelFunc, trace.FormatChrome)
	s := trace.Begin(tr, trace.ScopeStage, "compile", 0)
	trace.Point(tr, trace.ScopeFunc, "emit", "add", s.ID())
	s.End("")
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		TraceEvents []struct {
			Name string            `json:"name"`
			Ph   string            `json:"ph"`
			Args map[string]string `json:"args"`
		} `json:"traceEvents"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid chrome trace: %v\n%s", err, buf.String())
	}
	var phases []string
	for _, ev := range doc.TraceEvents {
		phases = append(phases, ev.Name+":"+ev.Ph)
	}
	if diff := deep.Equal(phases, []string{"compile:B", "emit:i", "compile:E"}); diff != nil {
		t.Error(diff)
	}
	if doc.TraceEvents[1].Args["detail"] != "add" {
		t.Errorf("point args %v", doc.TraceEvents[1].Args)
	}
}

func TestRing_Wraps(t *testing.T) {
	r := trace.NewRingTracer(3, trace.LevelFunc)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		trace.Point(r, trace.ScopeFunc, name, "", 0)
	}
	var names []string
	for _, ev := range r.Snapshot() {
		names = append(names, ev.Name)
	}
	if diff := deep.Equal(names, []string{"c", "d", "e"}); diff != nil {
		t.Error(diff)
	}
}

func TestNew_FileOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr, err := trace.New(trace.Config{
		Level:      trace.LevelStage,
		Mode:       trace.ModeBoth,
		OutputPath: "out/run.ndjson",
		Fs:         fs,
	})
	if err != nil {
		t.Fatal(err)
	}
	trace.Begin(tr, trace.ScopeStage, "verify", 0).End("")
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := afero.ReadFile(fs, "out/run.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	if n := bytes.Count(data, []byte("\n")); n != 2 {
		t.Fatalf("%d ndjson lines, want 2:\n%s", n, data)
	}
	if !bytes.Contains(data, []byte(`"kind":"end"`)) {
		t.Errorf("no end event:\n%s", data)
	}
	if r, ok := trace.Ring(tr); !ok || len(r.Snapshot()) != 2 {
		t.Error("ring tracer missing from both mode")
	}
}

func TestNew_Off(t *testing.T) {
	tr, err := trace.New(trace.Config{Level: trace.LevelOff, Mode: trace.ModeStream})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Enabled() {
		t.Fatal("off tracer is enabled")
	}
	if s := trace.Begin(tr, trace.ScopeDriver, "x", 0); s.ID() != 0 {
		t.Fatal("inert span has an ID")
	}
}

func TestContext(t *testing.T) {
	r := trace.NewRingTracer(8, trace.LevelStage)
	ctx := trace.WithTracer(context.Background(), r)
	if trace.FromContext(ctx) != trace.Tracer(r) {
		t.Fatal("tracer not found in context")
	}
	s := trace.Begin(r, trace.ScopeDriver, "run", 0)
	ctx = trace.WithSpan(ctx, s)
	if got := trace.CurrentSpan(ctx).SpanID; got != s.ID() {
		t.Fatalf("current span %d, want %d", got, s.ID())
	}
	if trace.FromContext(context.Background()) != trace.Nop {
		t.Fatal("empty context has a tracer")
	}
}

func TestStream_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	tr := trace.NewStreamTracer(&buf, trace.LevelFunc, trace.FormatNDJSON)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				trace.Begin(tr, trace.ScopeFunc, "f", 0).End("")
			}
		}()
	}
	wg.Wait()
	if n := bytes.Count(buf.Bytes(), []byte("\n")); n != 800 {
		t.Fatalf("%d events, want 800", n)
	}
}
