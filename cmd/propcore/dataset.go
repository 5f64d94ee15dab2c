package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"propcore/internal/dataset"
	"propcore/pkg/domain"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Inspect and convert property datasets",
}

var datasetInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Summarise a dataset JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := dataset.FromFile(args[0])
		if err != nil {
			return err
		}
		counts := map[domain.PropertyType]int{}
		for _, property := range set.Properties() {
			counts[property.Type]++
		}
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, string(t))
		}
		sort.Strings(types)

		fmt.Fprintf(cmd.OutOrStdout(), "%d properties, %d substances\n", set.Len(), len(set.Substances()))
		for _, t := range types {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", t, counts[domain.PropertyType(t)])
		}
		return nil
	},
}

var datasetConvertCmd = &cobra.Command{
	Use:   "convert <thermoml-file>",
	Short: "Convert a ThermoML archive file to a dataset JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		set, err := dataset.FromThermoML(in)
		if err != nil {
			return fmt.Errorf("parse ThermoML: %w", err)
		}

		output, _ := cmd.Flags().GetString("output")
		out := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(set)
	},
}

func init() {
	datasetConvertCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	datasetCmd.AddCommand(datasetInspectCmd, datasetConvertCmd)
	rootCmd.AddCommand(datasetCmd)
}
