package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitten-master/src/contracts"
)

func linuxSlave() map[string]string {
	return contracts.SlaveInfo{
		Name:      "builder-1",
		OSName:    "Linux",
		OSFamily:  "posix",
		OSVersion: "6.1.0",
		Machine:   "x86_64",
		Processor: "x86_64",
	}.Properties()
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		rules []contracts.Rule
		empty bool
		want  bool
	}{
		{
			name:  "search semantics match inside value",
			rules: []contracts.Rule{{Property: "family", Pattern: "osi"}},
			want:  true,
		},
		{
			name:  "anchored pattern requires full match",
			rules: []contracts.Rule{{Property: "family", Pattern: "^osix$"}},
			want:  false,
		},
		{
			name: "all rules must match",
			rules: []contracts.Rule{
				{Property: "family", Pattern: "posix"},
				{Property: "machine", Pattern: "^arm"},
			},
			want: false,
		},
		{
			name:  "missing property fails",
			rules: []contracts.Rule{{Property: "python.version", Pattern: ".*"}},
			want:  false,
		},
		{
			name:  "invalid pattern fails without panic",
			rules: []contracts.Rule{{Property: "family", Pattern: "(posix"}},
			want:  false,
		},
		{
			name:  "empty rules with matches-all flag",
			empty: true,
			want:  true,
		},
		{
			name:  "empty rules without flag",
			empty: false,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.empty, nil)
			got := m.Matches(contracts.Platform{Name: "p", Rules: tt.rules}, linuxSlave())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	platforms := []contracts.Platform{
		{ID: 1, Config: "a", Name: "windows", Rules: []contracts.Rule{{Property: "family", Pattern: "nt"}}},
		{ID: 2, Config: "a", Name: "unix", Rules: []contracts.Rule{{Property: "family", Pattern: "posix"}}},
		{ID: 3, Config: "a", Name: "linux", Rules: []contracts.Rule{{Property: "os", Pattern: "Linux"}}},
	}
	m := NewMatcher(true, nil)

	for i := 0; i < 50; i++ {
		p, ok := m.Match(platforms, linuxSlave())
		require.True(t, ok)
		assert.Equal(t, int64(2), p.ID)
	}
}

func TestMatchRejectsSlave(t *testing.T) {
	platforms := []contracts.Platform{
		{ID: 1, Config: "a", Name: "windows", Rules: []contracts.Rule{{Property: "family", Pattern: "nt"}}},
	}
	p, ok := NewMatcher(true, nil).Match(platforms, linuxSlave())
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestMatchPerConfig(t *testing.T) {
	platforms := []contracts.Platform{
		{ID: 1, Config: "a", Name: "unix", Rules: []contracts.Rule{{Property: "family", Pattern: "posix"}}},
		{ID: 2, Config: "a", Name: "linux", Rules: []contracts.Rule{{Property: "os", Pattern: "Linux"}}},
		{ID: 3, Config: "b", Name: "windows", Rules: []contracts.Rule{{Property: "family", Pattern: "nt"}}},
		{ID: 4, Config: "c", Name: "any"},
	}

	got := NewMatcher(true, nil).MatchPerConfig(platforms, linuxSlave())
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)
}

func TestCompileCachesFailures(t *testing.T) {
	m := NewMatcher(true, nil)
	_, err := m.Compile("[")
	require.Error(t, err)
	_, err2 := m.Compile("[")
	assert.Equal(t, err, err2)

	re, err := m.Compile("posix")
	require.NoError(t, err)
	again, err := m.Compile("posix")
	require.NoError(t, err)
	assert.Same(t, re, again)

	assert.Error(t, ValidatePattern("(unclosed"))
	assert.NoError(t, ValidatePattern("^x86"))
}

func TestSetEmptyMatchesAll(t *testing.T) {
	m := NewMatcher(true, nil)
	empty := contracts.Platform{Name: "any"}
	assert.True(t, m.Matches(empty, linuxSlave()))

	m.SetEmptyMatchesAll(false)
	assert.False(t, m.EmptyMatchesAll())
	assert.False(t, m.Matches(empty, linuxSlave()))
}
