package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "voxgate",
		Short:   "Quota-aware multi-account gateway for generative AI upstreams",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newAccountsCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
