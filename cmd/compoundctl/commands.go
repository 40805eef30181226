package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/service/calculation"
	"github.com/jwalitptl/compounding-api/internal/service/clinical"
)

// newRootCmd builds the offline calculator CLI. Every command prints JSON.
func newRootCmd(out io.Writer, now func() time.Time) *cobra.Command {
	root := &cobra.Command{
		Use:           "compoundctl",
		Short:         "Offline compounding calculations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(
		alligationCmd(),
		dilutionCmd(),
		doseCmd(),
		budCmd(now),
		extractDoseCmd(),
	)
	return root
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func alligationCmd() *cobra.Command {
	var high, low, desired, total float64
	cmd := &cobra.Command{
		Use:   "alligation",
		Short: "Split a total quantity between a high and low concentration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if total <= 0 {
				return errors.New("--total must be greater than 0")
			}
			res, err := calculation.Alligation(high, low, desired, total)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Float64Var(&high, "high", 0, "high concentration")
	cmd.Flags().Float64Var(&low, "low", 0, "low concentration")
	cmd.Flags().Float64Var(&desired, "desired", 0, "desired concentration")
	cmd.Flags().Float64Var(&total, "total", 0, "total quantity to prepare")
	for _, name := range []string{"high", "low", "desired", "total"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func dilutionCmd() *cobra.Command {
	var c1, v1, c2, v2 float64
	cmd := &cobra.Command{
		Use:   "dilution",
		Short: "Solve the missing term of C1V1=C2V2",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in calculation.DilutionInput
			flags := cmd.Flags()
			if flags.Changed("c1") {
				in.C1 = &c1
			}
			if flags.Changed("v1") {
				in.V1 = &v1
			}
			if flags.Changed("c2") {
				in.C2 = &c2
			}
			if flags.Changed("v2") {
				in.V2 = &v2
			}
			res, err := calculation.Dilution(in)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Float64Var(&c1, "c1", 0, "stock concentration")
	cmd.Flags().Float64Var(&v1, "v1", 0, "stock volume")
	cmd.Flags().Float64Var(&c2, "c2", 0, "final concentration")
	cmd.Flags().Float64Var(&v2, "v2", 0, "final volume")
	return cmd
}

func doseCmd() *cobra.Command {
	var mgPerKg, weightKg, frequency float64
	cmd := &cobra.Command{
		Use:   "dose",
		Short: "Weight based single and daily dose",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mgPerKg <= 0 || weightKg <= 0 || frequency <= 0 {
				return errors.New("--mg-per-kg, --weight-kg and --frequency must be greater than 0")
			}
			return printJSON(cmd, calculation.DoseByWeight(mgPerKg, weightKg, frequency))
		},
	}
	cmd.Flags().Float64Var(&mgPerKg, "mg-per-kg", 0, "dose in mg/kg")
	cmd.Flags().Float64Var(&weightKg, "weight-kg", 0, "patient weight in kg")
	cmd.Flags().Float64Var(&frequency, "frequency", 1, "doses per day")
	return cmd
}

func budCmd(now func() time.Time) *cobra.Command {
	var (
		category      string
		stabilityDays int
	)
	cmd := &cobra.Command{
		Use:   "bud",
		Short: "Beyond-use date for a preparation made today",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat := model.BudCategory(category)
			if cat != model.BudAqueous && cat != model.BudNonAqueous {
				return fmt.Errorf("unknown category %q", category)
			}
			if stabilityDays < 0 {
				return errors.New("--stability-days must not be negative")
			}
			days := calculation.AssignBud(cat, stabilityDays > 0, stabilityDays)
			return printJSON(cmd, map[string]interface{}{
				"days":    days,
				"budDate": calculation.BudDate(now(), days),
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", string(model.BudAqueous), "aqueous or non_aqueous")
	cmd.Flags().IntVar(&stabilityDays, "stability-days", 0, "days supported by stability data")
	return cmd
}

func extractDoseCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "extract-dose [text]",
		Short: "Extract dose ceilings from label text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
				text = string(data)
			case len(args) == 1:
				text = args[0]
			default:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				text = string(data)
			}
			return printJSON(cmd, clinical.ExtractDoseConstraints(text))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read label text from a file")
	return cmd
}
