package cli

import (
	"github.com/spf13/cobra"
)

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <numerator>",
		Short: "Take the next number from a numerator",
		Long:  "Check out the named numerator, increment it and save it, creating it at 1 on\nfirst use. A concurrent increment from another terminal triggers a reload\nand retry.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLarder(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.NextNumber(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printScalar(cmd.OutOrStdout(), "number", n)
		},
	}
}
