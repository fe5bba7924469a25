package main

import (
    "log"

    "github.com/spf13/cobra"

    failovercli "github.com/amirimatin/go-failover/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "failoverctl",
        Short:         "go-failover coordinator CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all coordinator commands from pkg/cli for reuse in services
    failovercli.AddAll(root)
    return root
}
