package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/physarum/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "physarum",
		Short: "Physarum transport-network simulator",
		Long: `physarum runs agent-based slime mould simulations headlessly.

Agents sense chemoattractant trails, turn toward the strongest signal,
move and deposit. Trails diffuse and decay every iteration.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Set up slog (JSON to stderr for structured logging)
			level := slog.LevelInfo
			if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
				level = slog.LevelWarn
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml or config.toml (empty = use defaults)")
	rootCmd.PersistentFlags().Bool("quiet", false, "Only log warnings and errors")

	rootCmd.AddCommand(
		newRunCmd(),
		newDefaultsCmd(),
	)
	return rootCmd
}

func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the embedded default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(config.DefaultsYAML())
			return err
		},
	}
}
