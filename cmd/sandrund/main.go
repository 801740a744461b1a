package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "sandrund",
		Short:   "Anonymous, ephemeral code execution",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newGenerateKeyCmd())
	root.AddCommand(newWarmCmd())
	root.AddCommand(newStatsCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
