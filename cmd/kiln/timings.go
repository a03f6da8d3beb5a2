package main

import (
	"fmt"
	"io"
	"time"

	"kiln/internal/pipeline"
)

var stageVerbs = map[pipeline.Stage]string{
	pipeline.StageLoad:    "loaded",
	pipeline.StageVerify:  "verified",
	pipeline.StageLower:   "lowered",
	pipeline.StageLink:    "linked",
	pipeline.StageCompile: "compiled",
	pipeline.StageRun:     "ran",
	pipeline.StageEmit:    "emitted",
}

func printStageTimings(out io.Writer, timings pipeline.Timings) {
	if out == nil {
		return
	}
	for _, st := range pipeline.Stages {
		if !timings.Has(st) {
			continue
		}
		fmt.Fprintf(out, "%s %.1f ms\n", stageVerbs[st], toMillis(timings.Duration(st)))
	}
	fmt.Fprintf(out, "total %.1f ms\n", toMillis(timings.Sum()))
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
