package policy

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleDoc(label string) Source {
	data := fmt.Sprintf("label: %s\nrules:\n  - {id: r-%s, roles: ['*'], objects: ['*'], actions: ['*']}\n", label, label)
	src, err := LoadBytes([]byte(data), "test")
	if err != nil {
		panic(err)
	}
	return src
}

func TestReplaceBumpsVersion(t *testing.T) {
	set, err := NewActivePolicySet(ruleDoc("one"))
	require.NoError(t, err)
	first := set.Current()
	assert.Equal(t, uint64(1), first.Revision)
	assert.Equal(t, "v1-"+first.Digest[:12], first.Version)

	second, err := set.Replace(ruleDoc("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Revision)
	assert.Equal(t, second.Version, set.Version())
	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, "two", set.Current().Document().Label)
}

func TestReplaceFailureKeepsActiveSnapshot(t *testing.T) {
	set, err := NewActivePolicySet(ruleDoc("one"))
	require.NoError(t, err)
	before := set.Version()

	_, err = set.Replace(Source{Document: Document{Label: "broken"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPolicy))
	assert.Equal(t, before, set.Version())
	assert.Len(t, set.History(), 1)
}

func TestHistoryIsBounded(t *testing.T) {
	set, err := NewActivePolicySet(ruleDoc("l0"), WithHistory(3))
	require.NoError(t, err)
	first := set.Version()
	for i := 1; i <= 4; i++ {
		_, err := set.Replace(ruleDoc(fmt.Sprintf("l%d", i)))
		require.NoError(t, err)
	}
	assert.Len(t, set.History(), 3)
	_, ok := set.Lookup(first)
	assert.False(t, ok, "oldest snapshot evicted")
	_, ok = set.Lookup(set.Version())
	assert.True(t, ok)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	set, err := NewActivePolicySet(ruleDoc("base"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := set.Current()
				if s.RuleCount() != 1 || s.rules[0].ID != "r-"+s.Label {
					t.Errorf("torn snapshot %s", s.Version)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := set.Replace(ruleDoc(fmt.Sprintf("gen%d", i)))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(51), set.Current().Revision)
}
