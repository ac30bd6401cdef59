// crabctl is a reference client for crabcityd: list running instances,
// create new ones, and attach an interactive terminal to one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// addrFlag is the daemon's host:port; httpURL/wsURL derive scheme-qualified
// endpoints from it so subcommands never hardcode http vs ws.
var addrFlag string

func httpURL(path string) string {
	return "http://" + addrFlag + path
}

func wsURL() string {
	return "ws://" + addrFlag + "/ws"
}

func main() {
	root := &cobra.Command{
		Use:   "crabctl",
		Short: "Crab City reference client",
	}
	root.PersistentFlags().StringVar(&addrFlag, "addr", "127.0.0.1:7777", "daemon address (host:port)")

	root.AddCommand(listCmd(), createCmd(), attachCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
