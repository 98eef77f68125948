package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "imagine",
	Short:         "Generate images from prompts through a local Replicate proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	// NO_COLOR is the cross-tool convention; --no-color overrides per run.
	_, noColor = os.LookupEnv("NO_COLOR")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", noColor, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(predictionsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
