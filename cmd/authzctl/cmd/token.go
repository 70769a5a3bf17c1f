package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/identity"
)

var (
	tokenUser      string
	tokenRole      string
	tokenScopeType string
	tokenScopeID   string
	tokenPurpose   string
	tokenTTL       time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role")
	tokenCmd.Flags().StringVar(&tokenScopeType, "scope-type", string(authz.ScopeOrg), "Scope type")
	tokenCmd.Flags().StringVar(&tokenScopeID, "scope-id", "", "Scope id")
	tokenCmd.Flags().StringVar(&tokenPurpose, "purpose", "", "Default purpose of use")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("role")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	Long: `Sign a bearer token with CARECOORD_AUTH_SECRET.

Examples:
  authzctl token --user user_123 --role CaseManager --scope-id org_456 --purpose care`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := identity.NewTokens(os.Getenv("CARECOORD_AUTH_SECRET"), os.Getenv("CARECOORD_AUTH_ISSUER"))
		if err != nil {
			return err
		}
		tok, exp, err := tokens.Generate(identity.Principal{
			UserID:    tokenUser,
			Role:      tokenRole,
			ScopeType: authz.ScopeType(tokenScopeType),
			ScopeID:   tokenScopeID,
			Purpose:   tokenPurpose,
		}, tokenTTL)
		if err != nil {
			return err
		}
		if done, ferr := formatOutput(cmd.OutOrStdout(), map[string]any{"token": tok, "expires_at": exp}); done {
			return ferr
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", dimFmt("expires "+exp.Format(time.RFC3339)))
		return nil
	},
}
