// Command overseer is the CLI client for overseerd: every subcommand is a
// thin RPC call against the daemon's control socket.
package main

import (
	"os"

	"overseer/internal/cli"
)

func main() {
	os.Exit(cli.Execute("overseer", os.Args[1:]))
}
