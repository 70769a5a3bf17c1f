package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"carecoord.org/internal/policy"
)

func init() {
	policyCmd.AddCommand(policyLintCmd)
	rootCmd.AddCommand(policyCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy documents",
}

type lintReport struct {
	File          string `json:"file" yaml:"file"`
	Label         string `json:"label" yaml:"label"`
	Digest        string `json:"digest" yaml:"digest"`
	PolicyVersion string `json:"policy_version" yaml:"policy_version"`
	Rules         int    `json:"rules" yaml:"rules"`
}

var policyLintCmd = &cobra.Command{
	Use:   "lint <file>",
	Short: "Parse and compile a policy file",
	Long: `Parse and compile a policy file the same way the service does on
reload. A file that lints cleanly will be accepted by a reload.

Examples:
  authzctl policy lint ops/policy.yaml
  authzctl policy lint ops/policy.yaml -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := policy.LoadFile(args[0])
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", errFmt("invalid:"), err)
			return err
		}
		set, err := policy.NewActivePolicySet(src)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", errFmt("invalid:"), err)
			return err
		}
		snap := set.Current()
		report := lintReport{File: args[0], Label: snap.Label, Digest: snap.Digest, PolicyVersion: snap.Version, Rules: snap.RuleCount()}
		if done, err := formatOutput(cmd.OutOrStdout(), report); done {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d rules, label %q)\n", okFmt("ok"), report.File, report.Rules, report.Label)
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", dimFmt("digest "+report.Digest))
		return nil
	},
}
