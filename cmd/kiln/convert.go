package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/internal/fsutil"
	"kiln/internal/ir"
	"kiln/internal/serial"
)

var convertCmd = &cobra.Command{
	Use:   "convert <input> [output]",
	Short: "Convert a module between the text and binary IR formats",
	Long: `convert decodes a module in either format and re-encodes it. The output
format follows --to, or the output extension (.kir text, .kirb binary).
With --dump the decoded module is printed in readable form.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().String("to", "", "output format (text|binary)")
	convertCmd.Flags().Bool("dump", false, "print the decoded module")
}

func runConvert(cmd *cobra.Command, args []string) error {
	if err := applyColor(cmd); err != nil {
		return err
	}
	dump, _ := cmd.Flags().GetBool("dump")
	if len(args) < 2 && !dump {
		return fmt.Errorf("missing output path (or pass --dump)")
	}

	m, err := serial.ReadFile(nil, args[0])
	if err != nil {
		return err
	}
	if dump {
		if err := ir.Fprint(cmd.OutOrStdout(), m); err != nil {
			return err
		}
	}
	if len(args) < 2 {
		return nil
	}

	out := args[1]
	format := serial.FormatForPath(out)
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		if format, err = serial.ParseFormat(to); err != nil {
			return err
		}
	}
	data, err := serial.Encode(m, format)
	if err != nil {
		return err
	}
	if out == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := fsutil.WriteFile(nil, out, data); err != nil {
		return err
	}
	if quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet"); !quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s, kiln-ir %s)\n", out, format, serial.Version)
	}
	return nil
}
