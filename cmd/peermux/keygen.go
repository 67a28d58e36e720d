package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pivaldi/peermux/internal/identity"
)

func newKeygenCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a new node seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("file already exists: %s", outPath)
			}

			seed, err := identity.GenerateSeed()
			if err != nil {
				return err
			}
			if err := identity.SaveSeed(outPath, seed); err != nil {
				return fmt.Errorf("save seed: %w", err)
			}
			keys, err := identity.DeriveKeys(seed)
			if err != nil {
				return fmt.Errorf("derive keys: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Seed written to %s\n", outPath)
			fmt.Fprintf(out, "PeerID: %s\n", keys.PeerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Output path for the seed file.")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
