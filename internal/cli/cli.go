// Package cli implements the client-facing command surface (ambient,
// carried per SPEC_FULL §6 even though the base spec treats CLI parsers as
// a replaceable adapter): a cobra command tree grounded on
// internal/app/cli/commands.go's tree shape, generalized from
// profile/service args to the path/name pair the supervisor engine's
// command surface actually takes, and talking to the daemon exclusively
// through the RPC adapter's socket client.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"overseer/internal/control/rpc"
)

// Options carries the flags shared by every subcommand.
type Options struct {
	SocketPath string
}

// New builds the root command. name is the binary name cobra reports in
// usage text.
func New(name string) *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:           name,
		Short:         "Control a running overseerd supervisor",
		Long:          "overseer is the command-line client for overseerd, a local process supervisor.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.SocketPath, "socket", "", "path to the daemon's control socket (default: the daemon's well-known socket)")

	root.AddCommand(
		newLoadCommand(opts),
		newStartCommand(opts),
		newStopCommand(opts),
		newRestartCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newListRunningCommand(opts),
		newEnvCommand(opts),
	)

	return root
}

// Execute parses args against the root command tree and runs the matched
// subcommand, returning a process exit code.
func Execute(name string, args []string) int {
	root := New(name)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}

func dial(opts *Options) (*rpc.Client, error) {
	return rpc.Dial(opts.SocketPath)
}
