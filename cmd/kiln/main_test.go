package main

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/gc"
	"kiln/internal/lower"
	"kiln/internal/pipeline"
	"kiln/internal/serial"
	"kiln/internal/testkit"
)

func TestReadUIMode(t *testing.T) {
	cases := []struct {
		input string
		want  uiMode
	}{
		{"", uiModeAuto},
		{"auto", uiModeAuto},
		{" ON ", uiModeOn},
		{"off", uiModeOff},
	}
	for _, tc := range cases {
		got, err := readUIMode(tc.input)
		if err != nil {
			t.Fatalf("readUIMode(%q) error: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("readUIMode(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
	if _, err := readUIMode("sometimes"); err == nil {
		t.Fatal("expected error for invalid ui mode")
	}
	if !shouldUseTUI(uiModeOn) || shouldUseTUI(uiModeOff) {
		t.Fatal("explicit ui modes must not depend on the terminal")
	}
}

func newCompileCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "kiln", RunE: func(*cobra.Command, []string) error { return nil }}
	addCompileFlags(cmd)
	return cmd
}

func parseRequest(t *testing.T, cfg config.Config, argv ...string) (*pipeline.Request, error) {
	t.Helper()
	safepointFlag = gc.PolicyLoops
	cmd := newCompileCommand()
	if err := cmd.ParseFlags(argv); err != nil {
		t.Fatalf("parse %q: %v", argv, err)
	}
	return buildRequest(cmd, cmd.Flags().Args(), cfg)
}

func TestBuildRequestMergesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Build.NoCache = true
	cfg.Build.Jobs = 3
	cfg.Target.OptLevel = 2
	cfg.GC.Safepoints = "backedges"
	cfg.Build.EmitStackMaps = true

	req, err := parseRequest(t, cfg, "--jit-run", "--opt", "1", "add.kir", "--", "2", "3")
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Mode != pipeline.ModeJITRun {
		t.Fatalf("mode = %s, want jit-run", req.Mode)
	}
	if req.Input != "add.kir" || strings.Join(req.Args, " ") != "2 3" {
		t.Fatalf("input/args = %q %q", req.Input, req.Args)
	}
	if req.Target.OptLevel != 1 {
		t.Fatalf("opt = %d, want flag value 1", req.Target.OptLevel)
	}
	if req.Jobs != 3 || req.Policy != gc.PolicyBackEdges || !req.EmitStackMaps {
		t.Fatalf("config values not applied: jobs=%d policy=%s stackmaps=%v", req.Jobs, req.Policy, req.EmitStackMaps)
	}
	if req.Cache != nil {
		t.Fatal("no_cache should leave the cache unset")
	}

	req, err = parseRequest(t, cfg, "--emit-object", "--safepoints", "loops", "--emit-stackmaps=false", "-o", "out/add", "add.kir")
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Mode != pipeline.ModeEmitObject || req.Output != "out/add" {
		t.Fatalf("mode/output = %s %q", req.Mode, req.Output)
	}
	if req.Policy != gc.PolicyLoops || req.EmitStackMaps {
		t.Fatalf("flags should override config: policy=%s stackmaps=%v", req.Policy, req.EmitStackMaps)
	}
}

func TestBuildRequestRejects(t *testing.T) {
	cfg := config.Default()
	cfg.Build.NoCache = true
	cases := [][]string{
		{"add.kir", "extra"},
		{"--emit-object", "add.kir", "--", "1"},
		{"--opt", "7", "add.kir"},
		{"--jit-run", "a.kir", "b.kir", "--", "1"},
		{"--jit-run", "--emit-runtime", "add.kir"},
	}
	for _, argv := range cases {
		if _, err := parseRequest(t, cfg, argv...); err == nil {
			t.Errorf("buildRequest(%q) succeeded, want error", argv)
		}
	}
}

func TestReportErrorFormat(t *testing.T) {
	color.NoColor = true
	cmd := newCompileCommand()
	if err := cmd.ParseFlags([]string{"bad.kir"}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	cmd.SetErr(&buf)

	err := &pipeline.StageError{
		Stage: pipeline.StageLower,
		Err:   fmt.Errorf("lower: %w", &lower.LoweringError{Kind: lower.LoweringErrSignatureMismatch, Func: "main"}),
	}
	reportError(cmd, err)
	got := buf.String()
	if !strings.HasPrefix(got, "error[lower]: bad.kir: ") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "(lowering/signature mismatch)") {
		t.Fatalf("missing error kind: %q", got)
	}

	buf.Reset()
	reportError(cmd, errors.New("boom"))
	if got := buf.String(); got != "error[kiln]: bad.kir: boom\n" {
		t.Fatalf("plain error = %q", got)
	}
}

func TestConvertAndDiff(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "pair.kir")
	bin := filepath.Join(dir, "pair.kirb")
	other := filepath.Join(dir, "add.kir")
	if err := serial.WriteFile(nil, text, testkit.PairModule()); err != nil {
		t.Fatal(err)
	}
	if err := serial.WriteFile(nil, other, testkit.AddModule()); err != nil {
		t.Fatal(err)
	}

	exec := func(argv ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append(argv, "--color", "off", "--quiet"))
		_, err := rootCmd.ExecuteC()
		return out.String(), err
	}

	if _, err := exec("convert", text, bin); err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, err := serial.ReadFile(nil, bin)
	if err != nil {
		t.Fatalf("read converted: %v", err)
	}
	if data.Name != testkit.PairModule().Name {
		t.Fatalf("converted module name = %q", data.Name)
	}

	if out, err := exec("diff", text, bin); err != nil {
		t.Fatalf("diff of equal modules: %v\n%s", err, out)
	}
	out, err := exec("diff", text, other)
	if !errors.Is(err, errModulesDiffer) {
		t.Fatalf("diff err = %v, want errModulesDiffer", err)
	}
	if !strings.Contains(out, "--- "+text) || !strings.Contains(out, "\n-") || !strings.Contains(out, "\n+") {
		t.Fatalf("diff output missing hunks:\n%s", out)
	}
}
