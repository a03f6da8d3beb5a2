package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kiln/internal/layout"
	"kiln/internal/link"
	"kiln/internal/lower"
	"kiln/internal/pipeline"
	"kiln/internal/serial"
)

var (
	errorLabel = color.New(color.FgRed, color.Bold)
	entityText = color.New(color.Bold)
)

// applyColor resolves --color against whether stderr is a terminal.
func applyColor(cmd *cobra.Command) error {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return err
	}
	switch strings.ToLower(mode) {
	case "on", "always":
		color.NoColor = false
	case "off", "never":
		color.NoColor = true
	case "", "auto":
		color.NoColor = !isTerminal(os.Stderr) || os.Getenv("NO_COLOR") != ""
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", mode)
	}
	return nil
}

// errorKind names the failure class for the error line.
func errorKind(err error) string {
	var (
		se *serial.SerializationError
		le *lower.LoweringError
		ke *link.LinkError
		ye *layout.LayoutError
	)
	switch {
	case errors.As(err, &se):
		return "serialization/" + se.Kind.String()
	case errors.As(err, &le):
		return "lowering/" + le.Kind.String()
	case errors.As(err, &ye):
		return "layout/" + ye.Kind.String()
	case errors.As(err, &ke):
		return "link/" + ke.Kind.String()
	}
	return ""
}

// reportError prints err as `error[<stage>]: <entity>: <message>`.
func reportError(cmd *cobra.Command, err error) {
	var w io.Writer = os.Stderr
	if cmd != nil {
		w = cmd.ErrOrStderr()
	}
	stage := "kiln"
	msg := err
	var st *pipeline.StageError
	if errors.As(err, &st) {
		stage = string(st.Stage)
		msg = st.Err
	}
	entity := ""
	if cmd != nil && cmd == cmd.Root() {
		if args := cmd.Flags().Args(); len(args) > 0 {
			entity = args[0]
		}
	}
	var b strings.Builder
	b.WriteString(errorLabel.Sprintf("error[%s]", stage))
	b.WriteString(": ")
	if entity != "" {
		b.WriteString(entityText.Sprint(entity))
		b.WriteString(": ")
	}
	b.WriteString(msg.Error())
	if kind := errorKind(err); kind != "" {
		fmt.Fprintf(&b, " (%s)", kind)
	}
	fmt.Fprintln(w, b.String())
}
