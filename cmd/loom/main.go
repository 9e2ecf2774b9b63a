// Command loom runs the workflow engine: an API server node, a standalone
// worker node, and a small HTTP client for task management.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Durable AI content-generation workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to loom.yaml (default: ./loom.yaml, /etc/loom/loom.yaml)")

	root.AddCommand(serveCmd(), workerCmd(), taskCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
