package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeError carries a process exit status out of a cobra command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ec exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	fmt.Fprintln(stderr, err)
	return 1
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "nexus-itest",
		Short: "Integration test orchestrator for the nexus-network prover CLI",
		Long: "nexus-itest runs the prover CLI against candidate node IDs until one " +
			"submits a proof, rotating on rate limits, timeouts and crashes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCommand(stdout, stderr))
	root.AddCommand(newStatusCommand(stdout, stderr))
	root.AddCommand(newStopCommand(stdout, stderr))
	root.AddCommand(newHistoryCommand(stdout, stderr))
	return root
}

func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return exitCodeError{code: code}
}
