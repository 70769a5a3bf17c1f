package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"carecoord.org/internal/audit"
	"carecoord.org/internal/store/pg"
)

var (
	timelineUser  string
	timelineFrom  string
	timelineTo    string
	timelineLimit int
)

func init() {
	auditTimelineCmd.Flags().StringVar(&timelineUser, "user", "", "Actor user id")
	auditTimelineCmd.Flags().StringVar(&timelineFrom, "from", "", "Start time (RFC3339)")
	auditTimelineCmd.Flags().StringVar(&timelineTo, "to", "", "End time (RFC3339)")
	auditTimelineCmd.Flags().IntVar(&timelineLimit, "limit", 100, "Maximum entries")
	_ = auditTimelineCmd.MarkFlagRequired("user")

	auditCmd.AddCommand(auditVerifyCmd, auditTimelineCmd, auditAnchorCmd)
	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify and query the audit chain",
}

func openAuditStore() (*pg.Store, error) {
	if dsn == "" {
		return nil, errors.New("missing DSN: provide via --dsn or CARECOORD_PG_DSN")
	}
	return pg.Open(dsn, pg.PoolConfig{MaxOpen: 2, MaxIdle: 1})
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the hash chain and report the first break",
	Long: `Recompute every row hash and link in sequence order. Exits non-zero
when the chain is broken.

Examples:
  authzctl audit verify --dsn postgres://...
  authzctl audit verify -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openAuditStore()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := audit.Verify(cmd.Context(), db.Audit())
		if err != nil {
			return err
		}
		if done, ferr := formatOutput(cmd.OutOrStdout(), res); done {
			if ferr != nil {
				return ferr
			}
			return res.Err()
		}
		out := cmd.OutOrStdout()
		if res.Valid {
			fmt.Fprintf(out, "%s %d entries, head %s\n", okFmt("valid"), res.EntriesChecked, res.HeadHash)
			return nil
		}
		fmt.Fprintf(out, "%s at %s (seq %d): %s\n", errFmt("BROKEN"), res.BrokenAt, res.BrokenSeq, res.Break)
		if res.Detail != "" {
			fmt.Fprintf(out, "  %s\n", res.Detail)
		}
		return res.Err()
	},
}

func parseFlagTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return t, nil
}

var auditTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "List what one actor did in a time range",
	Long: `List audit entries acted by a user, in chain order.

Examples:
  authzctl audit timeline --user user_123 --from 2025-06-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseFlagTime("from", timelineFrom)
		if err != nil {
			return err
		}
		to, err := parseFlagTime("to", timelineTo)
		if err != nil {
			return err
		}
		db, err := openAuditStore()
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := audit.Timeline(cmd.Context(), db.Audit(), timelineUser, from, to, timelineLimit)
		if err != nil {
			return err
		}
		if done, ferr := formatOutput(cmd.OutOrStdout(), entries); done {
			return ferr
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), dimFmt("no entries"))
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tACTION\tRESOURCE\tDECISION\tPOLICY")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s/%s\t%s\t%s\n",
				e.Seq, e.Timestamp.Format(time.RFC3339), e.Action, e.ResourceType, e.ResourceID, e.Decision, e.PolicyVersion)
		}
		return w.Flush()
	},
}

var auditAnchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Anchor the current chain head and check it against the log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openAuditStore()
		if err != nil {
			return err
		}
		defer db.Close()

		a, moved, err := audit.NewAnchorJob(db.Audit(), db.Anchors()).RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if !moved {
			fmt.Fprintln(cmd.OutOrStdout(), dimFmt("chain empty, nothing anchored"))
			return nil
		}
		ok, err := audit.CheckAnchor(cmd.Context(), db.Audit(), a)
		if err != nil {
			return err
		}
		if done, ferr := formatOutput(cmd.OutOrStdout(), a); done {
			return ferr
		}
		status := okFmt("anchored")
		if !ok {
			status = errFmt("mismatch")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s seq=%d entry=%s hash=%s\n", status, a.Seq, a.EntryID, a.RowHash)
		return nil
	},
}
