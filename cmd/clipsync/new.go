package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/clipsync/internal/room"
)

var newCmd = &cobra.Command{
	Use:   "new [base-address]",
	Short: "Print a share link for a fresh room",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := cfg.Client.BaseAddress
		if len(args) == 1 {
			base = args[0]
		}
		res := room.NewResolver(room.WithLogger(logger)).Regenerate(base)

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Address)
		if qr, err := renderQR(res.Address); err == nil {
			fmt.Fprint(out, qr)
		}
		return nil
	},
}
