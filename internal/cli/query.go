package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func newGetCmd() *cobra.Command {
	var includes []string
	cmd := &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Print one entity by identifier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			l, err := openLarder(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			e, found, err := l.Query.Single(cmd.Context(), args[0], types.ByID(id), includes...)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s %d: %w", args[0], id, types.ErrNotFound)
			}
			return printValue(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringArrayVar(&includes, "include", nil, "relation path to load (repeatable)")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		pf       predicateFlags
		includes []string
	)
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "Print the entities of a kind matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.predicate()
			if err != nil {
				return err
			}
			l, err := openLarder(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			es, err := l.Query.Query(cmd.Context(), args[0], p, includes...)
			if err != nil {
				return err
			}
			return printEntities(cmd.OutOrStdout(), es)
		},
	}
	pf.register(cmd)
	cmd.Flags().StringArrayVar(&includes, "include", nil, "relation path to load (repeatable)")
	return cmd
}

func newCountCmd() *cobra.Command {
	var pf predicateFlags
	cmd := &cobra.Command{
		Use:   "count <kind>",
		Short: "Count the entities of a kind matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.predicate()
			if err != nil {
				return err
			}
			l, err := openLarder(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.Query.Count(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return printScalar(cmd.OutOrStdout(), "count", n)
		},
	}
	pf.register(cmd)
	return cmd
}

func newSumCmd() *cobra.Command {
	var pf predicateFlags
	cmd := &cobra.Command{
		Use:   "sum <kind> <field>",
		Short: "Sum a numeric field over the entities matching a filter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.predicate()
			if err != nil {
				return err
			}
			l, err := openLarder(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			total, err := l.Query.Sum(cmd.Context(), args[0], args[1], p)
			if err != nil {
				return err
			}
			return printScalar(cmd.OutOrStdout(), "sum", total)
		},
	}
	pf.register(cmd)
	return cmd
}

func newDistinctCmd() *cobra.Command {
	var pf predicateFlags
	cmd := &cobra.Command{
		Use:   "distinct <kind> <field>",
		Short: "Print the distinct values of a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.predicate()
			if err != nil {
				return err
			}
			l, err := openLarder(cmd)
			if err != nil {
				return err
			}
			defer l.Close()

			values, err := l.Query.Distinct(cmd.Context(), args[0], args[1], p)
			if err != nil {
				return err
			}
			if values == nil {
				values = []any{}
			}
			return printValue(cmd.OutOrStdout(), values)
		},
	}
	pf.register(cmd)
	return cmd
}
