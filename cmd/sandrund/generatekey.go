package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/queelius/sandrun/internal/identity"
)

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key <path>",
		Short: "Generate a new Ed25519 worker signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := args[0]
			if err := identity.GenerateKey(path); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			id, err := identity.Load(path)
			if err != nil {
				return fmt.Errorf("load generated key: %w", err)
			}
			color.Green("wrote worker key to %s", path)
			fmt.Printf("worker_id: %s\n", id.WorkerID())
			return nil
		},
	}
}
