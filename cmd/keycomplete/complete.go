package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/keycomplete/internal/completion"
)

var completeCmd = &cobra.Command{
	Use:   "complete [flags] <file> <line> <column>",
	Short: "List completions at a 1-based line and byte column",
	Args:  cobra.ExactArgs(3),
	RunE:  runComplete,
}

func init() {
	completeCmd.Flags().String("filetype", "", "filetype of the file (default: from extension)")
	completeCmd.Flags().Bool("semantic", false, "always ask the semantic backend")
	completeCmd.Flags().Bool("wait", true, "wait for diagnostics before completing")
	completeCmd.Flags().Bool("json", false, "print the response as JSON")
}

func runComplete(cmd *cobra.Command, args []string) error {
	line, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid line %q: %w", args[1], err)
	}
	column, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid column %q: %w", args[2], err)
	}

	filetype, _ := cmd.Flags().GetString("filetype")
	semantic, _ := cmd.Flags().GetBool("semantic")
	wait, _ := cmd.Flags().GetBool("wait")
	asJSON, _ := cmd.Flags().GetBool("json")

	svc, ctx, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	path, contents, err := openBuffer(ctx, svc, args[0], filetype)
	if err != nil {
		return err
	}
	if wait {
		if err := svc.WaitUntilReady(ctx, path, readyTimeout()); err != nil {
			return err
		}
	}

	resp, err := svc.Complete(ctx, completion.Request{
		Filepath:      path,
		Line:          line,
		Column:        column,
		Contents:      contents,
		ForceSemantic: semantic,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	name := color.New(color.Bold).SprintFunc()
	kind := color.New(color.FgCyan).SprintFunc()
	fix := color.New(color.FgYellow).SprintFunc()
	for _, e := range resp.Completions {
		fmt.Fprintf(out, "%s %s", name(e.InsertionText), kind(e.Kind))
		if e.ExtraMenuInfo != "" {
			fmt.Fprintf(out, "  %s", e.ExtraMenuInfo)
		}
		if e.ExtraData != nil {
			fmt.Fprintf(out, "  %s", fix(fmt.Sprintf("[%d fixit]", len(e.ExtraData.Fixits))))
		}
		fmt.Fprintln(out)
	}
	for _, e := range resp.Errors {
		color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "%s\n", e)
	}
	return nil
}
