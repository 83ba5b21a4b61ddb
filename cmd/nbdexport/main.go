// Command nbdexport runs either side of an NBD session: `server
// <config.toml>` serves exports over TCP, `client <config.toml>` attaches a
// kernel NBD device to a running server. Grounded in oriys-nova's
// cmd/nova/main.go cobra root-command layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "nbdexport",
		Short: "Export and attach Network Block Device sessions",
	}

	root.AddCommand(serverCmd(), clientCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
