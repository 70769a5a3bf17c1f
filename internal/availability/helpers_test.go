package availability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"carecoord.org/internal/audit"
)

func extract(t *testing.T, e audit.Entry, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(e.Context, &m))
	return m[key]
}
