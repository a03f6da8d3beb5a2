package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/gcrt"
	"kiln/internal/jit"
	"kiln/internal/serial"
	"kiln/internal/version"
)

type versionPayload struct {
	Tool      string `json:"tool"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	Go        string `json:"go"`
	IRFormat  string `json:"ir_format"`
	LLVM      bool   `json:"llvm"`
	Collector bool   `json:"collector"`
}

var versionFormat string

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "pretty", "output format (pretty|json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show kiln build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := applyColor(cmd); err != nil {
			return err
		}
		switch strings.ToLower(versionFormat) {
		case "pretty":
			renderVersionPretty(cmd.OutOrStdout())
			return nil
		case "json":
			return renderVersionJSON(cmd.OutOrStdout())
		}
		return fmt.Errorf("unsupported format %q (must be pretty or json)", versionFormat)
	},
}

func irFormatString() string {
	return fmt.Sprintf("%s %s", serial.TextFormatName, serial.Version)
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "not built in"
}

func renderVersionPretty(out io.Writer) {
	fmt.Fprint(out, version.Info(
		[2]string{"ir format", irFormatString()},
		[2]string{"llvm", availability(jit.Available)},
		[2]string{"collector", availability(gcrt.Available)},
	))
}

func renderVersionJSON(out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(versionPayload{
		Tool:      "kiln",
		Version:   version.Version,
		GitCommit: version.GitCommit,
		BuildDate: version.BuildDate,
		Go:        runtime.Version(),
		IRFormat:  irFormatString(),
		LLVM:      jit.Available,
		Collector: gcrt.Available,
	})
}
