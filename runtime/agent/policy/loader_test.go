package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicyDocument(t *testing.T) {
	t.Parallel()

	doc := []byte(`
stop_conditions:
  - kind: step_count_is
    count: 8
  - kind: has_tool_call
    tool: submit_answer
  - kind: total_usage_at_least
    usage:
      total_tokens: 20000
approval_required_tools:
  - delete_records
done_tool: submit_answer
prepare:
  defaults:
    model: gpt-4o-mini
    tool_choice: auto
  rules:
    - from_step: 4
      model: gpt-4o
`)
	p, err := Parse(doc)
	require.NoError(t, err)

	require.Len(t, p.StopConditions, 3)
	assert.Equal(t, KindStepCountIs, p.StopConditions[0].Kind)
	assert.Equal(t, 8, p.StopConditions[0].Count)
	assert.Equal(t, "submit_answer", p.StopConditions[1].Tool)
	require.NotNil(t, p.StopConditions[2].Usage)
	assert.Equal(t, 20000, p.StopConditions[2].Usage.TotalTokens)
	assert.Equal(t, []string{"delete_records"}, p.ApprovalRequiredTools)
	assert.Equal(t, "submit_answer", p.DoneTool)
	assert.Equal(t, "gpt-4o-mini", p.Prepare.Defaults.Model)
	require.Len(t, p.Prepare.Rules, 1)
	assert.Equal(t, 4, p.Prepare.Rules[0].FromStep)
	assert.Equal(t, "gpt-4o", p.Prepare.Rules[0].Model)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("stop_condtions:\n  - kind: step_count_is\n    count: 3\n"))
	require.Error(t, err, "typos must not silently configure nothing")
}

func TestParseRejectsInvalidConditions(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"zero step count": "stop_conditions:\n  - kind: step_count_is\n    count: 0\n",
		"unknown kind":    "stop_conditions:\n  - kind: when_bored\n",
		"missing kind":    "stop_conditions:\n  - count: 3\n",
		"bad regex":       "stop_conditions:\n  - kind: assistant_text_matches_regex\n    pattern: '['\n",
		"empty usage":     "stop_conditions:\n  - kind: total_usage_at_least\n    usage: {}\n",
		"inverted range":  "prepare:\n  rules:\n    - from_step: 5\n      to_step: 2\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("done_tool: finish\n"), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "finish", p.DoneTool)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
