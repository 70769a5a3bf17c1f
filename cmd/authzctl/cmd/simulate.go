package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/policy"
)

var (
	simulatePolicy  string
	simulateRequest string
)

func init() {
	simulateCmd.Flags().StringVar(&simulatePolicy, "policy", "", "Policy file (default: built-in policy)")
	simulateCmd.Flags().StringVarP(&simulateRequest, "request", "r", "-", "Request JSON file, - for stdin")
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Evaluate a fully resolved request without auditing it",
	Long: `Evaluate an authorization request against a policy and print the
decision together with every evaluation step. Nothing is written.

Examples:
  authzctl simulate -r request.json
  authzctl simulate --policy ops/policy.yaml -r request.json -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		src := policy.Default()
		if simulatePolicy != "" {
			var err error
			if src, err = policy.LoadFile(simulatePolicy); err != nil {
				return err
			}
		}
		set, err := policy.NewActivePolicySet(src)
		if err != nil {
			return err
		}

		in := cmd.InOrStdin()
		if simulateRequest != "-" {
			f, err := os.Open(simulateRequest)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		var req authz.Request
		dec := json.NewDecoder(in)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}

		d, err := policy.NewEngine(set).Simulate(req)
		if err != nil && authz.KindOf(err) != authz.KindConfiguration {
			return err
		}
		if done, ferr := formatOutput(cmd.OutOrStdout(), d); done {
			return ferr
		}

		verdict := errFmt("DENY")
		if d.Allowed() {
			verdict = okFmt("ALLOW")
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s  rule=%s  policy=%s\n", verdict, d.MatchedRule, d.PolicyVersion)
		fmt.Fprintf(out, "  %s\n", d.Reasoning)
		if d.Remediation != "" {
			fmt.Fprintf(out, "  %s %s\n", warnFmt("remediation:"), d.Remediation)
		}
		for i, step := range d.EvaluationSteps {
			fmt.Fprintf(out, "  %s %s\n", dimFmt(fmt.Sprintf("%3d", i+1)), step)
		}
		return nil
	},
}
