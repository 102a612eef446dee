package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-pas/internal/x12/qre"
)

var errInvalidFiles = errors.New("one or more files failed QRE analysis")

func qreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qre",
		Short: "X12 278 query and response examination",
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze FILE...",
		Short: "Analyze X12 278 files and print a JSON report per file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			failOnWarnings, _ := cmd.Flags().GetBool("fail-on-warnings")

			cfg := qre.DefaultConfig()
			if path != "" {
				var err error
				if cfg, err = qre.LoadConfig(path); err != nil {
					return err
				}
			}
			if failOnWarnings {
				cfg.ErrorHandling.FailOnWarnings = true
			}

			analyzer := qre.NewAnalyzer(cfg, nil)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			valid := true
			for _, file := range args {
				report := analyzer.AnalyzeFile(file)
				if err := enc.Encode(report); err != nil {
					return err
				}
				valid = valid && report.IsValid
			}
			if !valid {
				return errInvalidFiles
			}
			return nil
		},
	}
	analyzeCmd.Flags().String("config", "", "YAML or JSON analyzer config")
	analyzeCmd.Flags().Bool("fail-on-warnings", false, "Treat warnings as failures")

	cmd.AddCommand(analyzeCmd)
	return cmd
}
