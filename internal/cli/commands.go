package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/recalc"
)

func newEvalCommand(opts *rootOptions) *cobra.Command {
	var showRaw bool

	cmd := &cobra.Command{
		Use:   "eval <workbook>",
		Short: "Evaluate a workbook and print every cell",
		Example: `  gridcalc eval budget.yaml
  gridcalc eval --raw budget.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, opts, args[0], false)
			if err != nil {
				return err
			}
			if _, err := s.load(cmd.Context()); err != nil {
				return err
			}
			return printCells(cmd.OutOrStdout(), s.store, s.engine, showRaw)
		},
	}
	cmd.Flags().BoolVar(&showRaw, "raw", false, "also print the raw text of formula cells")
	return cmd
}

// printCells writes "cell = display" lines in row-major order. formulas
// that failed to parse are followed by the text with a caret under the
// failing position.
func printCells(w io.Writer, store *recalc.MemoryStore, engine *recalc.Engine, showRaw bool) error {
	for record := range store.Cells() {
		var err error
		if showRaw && record.IsFormula() {
			_, err = fmt.Fprintf(w, "%s = %s\t%s\n", record.ID, record.DisplayText, record.RawText)
		} else {
			_, err = fmt.Fprintf(w, "%s = %s\n", record.ID, record.DisplayText)
		}
		if err != nil {
			return err
		}
		if f, ok := engine.Formula(record.ID); ok && f.Err != nil {
			for _, line := range strings.Split(f.Err.Describe(f.Text), "\n") {
				if _, err := fmt.Fprintf(w, "    %s\n", line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func newOrderCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order <workbook>",
		Short: "Print the calculation order of a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, opts, args[0], false)
			if err != nil {
				return err
			}
			if _, err := s.load(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, cell := range s.engine.CalculationOrder() {
				if _, err := fmt.Fprintf(out, "%d\t%s\n", i+1, cell); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newDepsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps <workbook> <cell>",
		Short: "Show what a cell reads and what reads it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cell, err := recalc.ParseCellID(args[1])
			if err != nil {
				return recalc.NewApplicationError(recalc.InvalidArgument, fmt.Sprintf("invalid cell %q: %v", args[1], err))
			}
			s, err := newSession(cmd, opts, args[0], false)
			if err != nil {
				return err
			}
			if _, err := s.load(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if f, ok := s.engine.Formula(cell); ok && f.Err != nil {
				fmt.Fprintf(out, "formula:    %s (%v)\n", f.Text, f.Err)
			}
			fmt.Fprintf(out, "precedents: %s\n", joinCells(s.engine.Precedents(cell)))
			fmt.Fprintf(out, "dependents: %s\n", joinCells(s.engine.Dependents(cell)))
			fmt.Fprintf(out, "affected:   %s\n", joinCells(s.engine.Affected(cell)))
			return nil
		},
	}
}

func joinCells(cells []recalc.CellID) string {
	if len(cells) == 0 {
		return "-"
	}
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = string(cell)
	}
	return strings.Join(parts, ", ")
}
