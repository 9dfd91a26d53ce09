package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/keycomplete/internal/diagnostics"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [flags] <file>...",
	Short: "Print diagnostics for TypeScript and JavaScript files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDiagnose,
}

func init() {
	diagnoseCmd.Flags().String("filetype", "", "filetype of the files (default: from extension)")
	diagnoseCmd.Flags().Bool("no-hints", false, "omit hint and information diagnostics")
}

var severityColors = map[diagnostics.Kind]*color.Color{
	diagnostics.KindError:       color.New(color.FgRed, color.Bold),
	diagnostics.KindWarning:     color.New(color.FgYellow, color.Bold),
	diagnostics.KindInformation: color.New(color.FgBlue),
	diagnostics.KindHint:        color.New(color.FgCyan),
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	filetype, _ := cmd.Flags().GetString("filetype")
	noHints, _ := cmd.Flags().GetBool("no-hints")

	svc, ctx, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	paths := make([]string, 0, len(args))
	for _, arg := range args {
		path, _, err := openBuffer(ctx, svc, arg, filetype)
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}

	total := make(map[diagnostics.Kind]int)
	out := cmd.OutOrStdout()
	for _, path := range paths {
		if err := svc.WaitUntilReady(ctx, path, readyTimeout()); err != nil {
			return err
		}
		diags, err := svc.Diagnostics(path)
		if err != nil {
			return err
		}
		for _, d := range diags {
			if noHints && (d.Kind == diagnostics.KindHint || d.Kind == diagnostics.KindInformation) {
				continue
			}
			printDiagnostic(out, path, d)
			total[d.Kind]++
		}
	}

	fmt.Fprintf(out, "%d errors, %d warnings\n", total[diagnostics.KindError], total[diagnostics.KindWarning])
	if total[diagnostics.KindError] > 0 {
		return fmt.Errorf("%d errors", total[diagnostics.KindError])
	}
	return nil
}

func printDiagnostic(w io.Writer, path string, d diagnostics.Diagnostic) {
	c, ok := severityColors[d.Kind]
	if !ok {
		c = color.New(color.Reset)
	}
	fmt.Fprintf(w, "%s:%d:%d: %s %s\n", path, d.Location.Line, d.Location.Column, c.Sprint(d.Kind), d.Text)
}
