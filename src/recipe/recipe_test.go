package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitten-master/src/contracts"
)

const sample = `
steps:
  - id: compile
    description: Compile
    run: make -C ${path} all
  - id: test
    onerror: continue
    run: make test
    reports:
      - kind: test
        format: junit
        file: results.xml
  - id: lint
    onerror: ignore
    run: make lint
`

func TestParse(t *testing.T) {
	r, err := Parse(sample)
	require.NoError(t, err)
	require.Len(t, r.Steps, 3)

	assert.Equal(t, OnErrorFail, r.Steps[0].OnError)
	assert.Equal(t, OnErrorContinue, r.Steps[1].OnError)
	assert.Equal(t, OnErrorIgnore, r.Steps[2].OnError)
	assert.Equal(t, contracts.ReportTest, r.Steps[1].Reports[0].Kind)

	st, idx, ok := r.Step("test")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "make test", st.Run)

	_, _, ok = r.Step("deploy")
	assert.False(t, ok)

	assert.True(t, r.IsLast("lint"))
	assert.False(t, r.IsLast("compile"))
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: "  \n"},
		{name: "not yaml", text: "steps: [unclosed"},
		{name: "no steps", text: "steps: []"},
		{name: "missing id", text: "steps:\n  - run: make\n"},
		{name: "bad id", text: "steps:\n  - id: two words\n"},
		{name: "duplicate id", text: "steps:\n  - id: a\n  - id: a\n"},
		{name: "unknown onerror", text: "steps:\n  - id: a\n    onerror: explode\n"},
		{name: "report without file", text: "steps:\n  - id: a\n    reports:\n      - kind: test\n"},
		{name: "unsupported format", text: "steps:\n  - id: a\n    reports:\n      - kind: test\n        format: tap\n        file: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			require.ErrorIs(t, err, contracts.ErrInvalidRecipe)
		})
	}
}

func TestVarsExpand(t *testing.T) {
	v := Vars{Path: "/trunk", Revision: "42", Config: "linux-build", Build: 7, Platform: "linux"}
	got := v.Expand("cd ${path} && build ${config}@${revision} #${build} on ${platform} ${home}")
	assert.Equal(t, "cd /trunk && build linux-build@42 #7 on linux ${home}", got)
}
