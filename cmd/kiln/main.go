// Command kiln compiles IR modules to native code: it writes relocatable
// objects or runs an exported function in-process through the JIT.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kiln/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "kiln [--emit-object | --jit-run] [flags] <module.kir|module.kirb> [-- args...]",
	Short: "Native code generator for kiln IR",
	Long: `kiln lowers an IR module to LLVM with collector support (allocation,
write barriers, safepoints, stack maps) and either emits an object file or
runs an exported function in-process.`,
	Args:          cobra.MinimumNArgs(1),
	RunE:          compileExecution,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate("kiln {{.Version}}\n")

	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to kiln.toml (default: search from the working directory)")
	pf.String("color", "auto", "colorize output (auto|on|off)")
	pf.Bool("quiet", false, "suppress non-essential output")
	pf.Bool("timings", false, "show stage timings")
	addTraceFlags(pf)
	addCompileFlags(rootCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return 0
	}
	if errors.Is(err, errModulesDiffer) {
		return 1
	}
	reportError(cmd, err)
	return 1
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
