package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"overseer/internal/control/rpc"
)

func newLoadCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "load <config-file>",
		Short: "Load (or reload) a configuration file into the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			client, err := dial(opts)
			if err != nil {
				return err
			}
			defer client.Close()

			_, err = client.Call(rpc.Request{Method: rpc.MethodLoadConfig, Path: path, Data: data})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", path)
			return nil
		},
	}
}

func newStartCommand(opts *Options) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "start <config-file>",
		Short: "Start one service, or every service in dependency order if --name is omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, opts, rpc.Request{Method: rpc.MethodStart, Path: args[0], Name: name})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "service name; omit to start every service in the configuration")

	return cmd
}

func newStopCommand(opts *Options) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "stop <config-file>",
		Short: "Stop one service, or every service if --name is omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, opts, rpc.Request{Method: rpc.MethodStop, Path: args[0], Name: name})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "service name; omit to stop every service in the configuration")

	return cmd
}

func newRestartCommand(opts *Options) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "restart <config-file>",
		Short: "Stop then start one service, or every service if --name is omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, opts, rpc.Request{Method: rpc.MethodRestart, Path: args[0], Name: name})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "service name; omit to restart every service in the configuration")

	return cmd
}

func newStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <config-file> <name>",
		Short: "Show one service's current process record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, opts, rpc.Request{Method: rpc.MethodStatus, Path: args[0], Name: args[1]})
		},
	}
}

func newListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list <config-file>",
		Short: "List every service declared in a configuration, with derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, opts, rpc.Request{Method: rpc.MethodList, Path: args[0]})
		},
	}
}

func newListRunningCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List every process currently running, across all loaded configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(cmd, opts, rpc.Request{Method: rpc.MethodListRunning})
		},
	}
}

func newEnvCommand(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:   "env",
		Short: "Mutate a service's in-memory environment (visible on its next spawn)",
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "set <config-file> <name> <key> <value>",
			Short: "Create or update an environment variable",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				req := rpc.Request{Method: rpc.MethodUpdateEnvVar, Path: args[0], Name: args[1], Key: args[2], Value: args[3]}
				return callAndPrint(cmd, opts, req)
			},
		},
		&cobra.Command{
			Use:   "unset <config-file> <name> <key>",
			Short: "Delete an environment variable",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				req := rpc.Request{Method: rpc.MethodDeleteEnvVar, Path: args[0], Name: args[1], Key: args[2]}
				return callAndPrint(cmd, opts, req)
			},
		},
	)

	return root
}

// callAndPrint dials the daemon, issues req, and renders whatever
// snapshot(s) come back as a tab-aligned table. Commands with no snapshot
// payload (Start/Stop/Restart/env mutations) just print a one-line
// confirmation.
func callAndPrint(cmd *cobra.Command, opts *Options, req rpc.Request) error {
	client, err := dial(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	switch {
	case resp.Snapshot != nil:
		printSnapshots(out, []rpc.Snapshot{*resp.Snapshot})
	case resp.Snapshots != nil:
		printSnapshots(out, resp.Snapshots)
	default:
		fmt.Fprintf(out, "ok\n")
	}

	return nil
}

func printSnapshots(out io.Writer, snaps []rpc.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tNAME\tSTATE\tPID\tEXIT\tCPU%\tMEM(B)")

	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.1f\t%d\n",
			s.Project, s.Name, s.State, s.PID, s.ExitCode, s.CPUPercent, s.MemoryBytes)
	}

	w.Flush()
}
