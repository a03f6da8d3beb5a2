package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"kiln/internal/serial"
)

// errModulesDiffer makes `kiln diff` exit 1 without an error line.
var errModulesDiffer = errors.New("modules differ")

var diffCmd = &cobra.Command{
	Use:   "diff <a> <b>",
	Short: "Compare two modules by their canonical text encoding",
	Long: `diff decodes both modules (either format) and compares their text
encodings line by line. It exits 1 when they differ.`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	if err := applyColor(cmd); err != nil {
		return err
	}
	texts := make([]string, 2)
	for i, path := range args {
		m, err := serial.ReadFile(nil, path)
		if err != nil {
			return err
		}
		data, err := serial.EncodeText(m)
		if err != nil {
			return err
		}
		texts[i] = string(data)
	}
	if texts[0] == texts[1] {
		return nil
	}
	writeLineDiff(cmd.OutOrStdout(), args[0], args[1], texts[0], texts[1])
	return errModulesDiffer
}

var (
	diffDel = color.New(color.FgRed)
	diffAdd = color.New(color.FgGreen)
)

func writeLineDiff(w io.Writer, nameA, nameB, a, b string) {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	fmt.Fprintf(w, "--- %s\n+++ %s\n", nameA, nameB)
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				fmt.Fprintln(w, diffDel.Sprint("-"+line))
			case diffmatchpatch.DiffInsert:
				fmt.Fprintln(w, diffAdd.Sprint("+"+line))
			default:
				fmt.Fprintln(w, " "+line)
			}
		}
	}
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
