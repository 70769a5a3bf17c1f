package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		outputFormat = "table"
		simulatePolicy = ""
		simulateRequest = "-"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

const minimalPolicy = `label: cli-test
rules:
  - id: read-anything
    roles: ["*"]
    objects: [ServiceProfile]
    actions: [read]
    reason: test
`

func TestPolicyLint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalPolicy), 0o600))

	out, err := run(t, "", "policy", "lint", path, "-o", "json")
	require.NoError(t, err)
	var report lintReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "cli-test", report.Label)
	assert.Equal(t, 1, report.Rules)
	assert.NotEmpty(t, report.PolicyVersion)
}

func TestPolicyLintRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [this is: not: valid"), 0o600))

	_, err := run(t, "", "policy", "lint", path)
	require.Error(t, err)
}

func TestSimulateFromStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalPolicy), 0o600))

	req := `{"subject":{"role":"Provider","scope_type":"org","scope_id":"org_1"},
	"object":{"type":"ServiceProfile","id":"svc_1","tenant_root_id":"org_1"},"action":"read","context":{}}`
	out, err := run(t, req, "simulate", "--policy", path, "-o", "json")
	require.NoError(t, err)

	var d map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "allow", d["decision"])
	assert.Equal(t, "read-anything", d["matched_rule"])
}

func TestAuditCommandsNeedDSN(t *testing.T) {
	prev := dsn
	t.Cleanup(func() { dsn = prev })
	_, err := run(t, "", "audit", "verify", "--dsn", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing DSN")
}
