package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/keycomplete/internal/completion"
	"github.com/dshills/keycomplete/internal/service"
)

var restartCheckCmd = &cobra.Command{
	Use:   "restart-check [flags] <file>",
	Short: "Restart the backend and verify that buffers must be visited again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestartCheck,
}

func init() {
	restartCheckCmd.Flags().String("filetype", "", "filetype of the file (default: from extension)")
}

func runRestartCheck(cmd *cobra.Command, args []string) error {
	filetype, _ := cmd.Flags().GetString("filetype")

	svc, ctx, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	ok := color.New(color.FgGreen).SprintFunc()
	step := func(format string, a ...any) {
		fmt.Fprintf(out, "%s %s\n", ok("ok"), fmt.Sprintf(format, a...))
	}

	path, contents, err := openBuffer(ctx, svc, args[0], filetype)
	if err != nil {
		return err
	}
	if err := svc.WaitUntilReady(ctx, path, readyTimeout()); err != nil {
		return err
	}
	step("diagnostics ready for %s", path)

	if len(svc.Sessions()) == 0 {
		return errors.New("no backend session running")
	}
	ft := filetype
	if ft == "" {
		ft = filetypeFor(path)
	}

	err = svc.RunCommand(ctx, service.Command{
		CompleterTarget: service.FiletypeDefault,
		Filetype:        ft,
		Arguments:       []string{service.RestartServer},
	})
	if err != nil {
		return err
	}
	step("restarted %s backend", ft)

	_, err = svc.Complete(ctx, completion.Request{Filepath: path, Line: 1, Column: 1, Contents: contents})
	if completion.KindOf(err) != completion.KindUnknownBuffer {
		return fmt.Errorf("completion after restart: got %v, want %s", err, completion.KindUnknownBuffer)
	}
	step("completion without a visit fails with %s", completion.KindUnknownBuffer)

	if _, _, err := openBuffer(ctx, svc, args[0], filetype); err != nil {
		return err
	}
	if err := svc.WaitUntilReady(ctx, path, readyTimeout()); err != nil {
		return err
	}
	if _, err := svc.Complete(ctx, completion.Request{Filepath: path, Line: 1, Column: 1, ForceSemantic: true}); err != nil {
		return err
	}
	step("completion after re-visit succeeds")

	for _, s := range svc.Sessions() {
		fmt.Fprintf(out, "  %s session %s generation %d\n", s.Filetype, s.ID, s.Generation)
	}
	return nil
}
