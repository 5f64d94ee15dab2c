package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"propcore/internal/core"
	"propcore/internal/dataset"
	"propcore/pkg/client"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Submit a dataset for estimation and wait for the results",
	RunE:  runEstimate,
}

func init() {
	estimateCmd.Flags().String("server", "http://localhost:8998", "estimation server URL")
	estimateCmd.Flags().String("dataset", "", "dataset JSON file (required)")
	estimateCmd.Flags().String("force-field", "", "SMIRNOFF force field XML file (required)")
	estimateCmd.Flags().StringSlice("layers", nil, "calculation layers to try, in order")
	estimateCmd.Flags().Int("steps", 0, "production simulation steps")
	estimateCmd.Flags().Int("output-frequency", 0, "steps between statistics frames")
	estimateCmd.Flags().String("engine", "", "external engine binary")
	estimateCmd.Flags().Duration("poll", 2*time.Second, "result poll interval")
	estimateCmd.MarkFlagRequired("dataset")
	estimateCmd.MarkFlagRequired("force-field")
	viper.BindPFlag("estimate.server", estimateCmd.Flags().Lookup("server"))
	viper.BindPFlag("estimate.engine", estimateCmd.Flags().Lookup("engine"))
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(cmd *cobra.Command, args []string) error {
	datasetPath, _ := cmd.Flags().GetString("dataset")
	forceFieldPath, _ := cmd.Flags().GetString("force-field")
	layers, _ := cmd.Flags().GetStringSlice("layers")
	steps, _ := cmd.Flags().GetInt("steps")
	frequency, _ := cmd.Flags().GetInt("output-frequency")
	poll, _ := cmd.Flags().GetDuration("poll")

	data, err := dataset.FromFile(datasetPath)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	forceField, err := os.ReadFile(forceFieldPath)
	if err != nil {
		return fmt.Errorf("load force field: %w", err)
	}

	c := client.New(viper.GetString("estimate.server"), client.WithPollInterval(poll))
	handle, err := c.RequestEstimate(cmd.Context(), data, forceField, core.RequestOptions{
		Layers:          layers,
		Steps:           steps,
		OutputFrequency: frequency,
		Engine:          viper.GetString("estimate.engine"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "request", handle.ID, "queued")

	result, err := handle.Wait(cmd.Context())
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
