package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var contextPath string

var rootCmd = &cobra.Command{
	Use:   "axisdb",
	Short: "Axisdb: manifest-indexed observation metadata",
	Long: `Axisdb maintains manifest indexes that map observation key values to
metadata datasets, and resolves them into one axis-aligned container per
observation.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&contextPath, "context", "c", "context.hcl", "Path to context file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
