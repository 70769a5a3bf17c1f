// Package cmd implements the authzctl CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	outputFormat string
	dsn          string
)

var (
	okFmt   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "authzctl",
	Short: "Operator CLI for the care-coordination authorization core",
	Long: `authzctl lints and simulates policy files, verifies the audit chain
and reads actor timelines directly from the database.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("CARECOORD_PG_DSN"), "PostgreSQL DSN")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// formatOutput writes data as json or yaml. It reports false for table
// output, which each command renders itself.
func formatOutput(w io.Writer, data any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = fmt.Fprint(w, string(out))
		return true, err
	default:
		return false, nil
	}
}
