package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSONValidPassesThrough(t *testing.T) {
	payload, level, ok := RepairJSON(`{"message":"ok"}`)
	require.True(t, ok)
	assert.Equal(t, RepairNone, level)
	assert.JSONEq(t, `{"message":"ok"}`, string(payload))
}

func TestRepairJSONTrimsWhitespace(t *testing.T) {
	payload, level, ok := RepairJSON("\n  {\"a\":1}  \n")
	require.True(t, ok)
	assert.Equal(t, RepairDeterministicGeneric, level)
	assert.JSONEq(t, `{"a":1}`, string(payload))
}

func TestRepairJSONFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"score\": 42}\n```\nDone."
	payload, level, ok := RepairJSON(raw)
	require.True(t, ok)
	assert.Equal(t, RepairDeterministicGeneric, level)
	assert.JSONEq(t, `{"score":42}`, string(payload))
}

func TestRepairJSONBalancedObject(t *testing.T) {
	raw := `The answer is {"verdict":"pass","notes":"a {brace} in a string"} thanks`
	payload, level, ok := RepairJSON(raw)
	require.True(t, ok)
	assert.Equal(t, RepairDeterministicGeneric, level)
	assert.JSONEq(t, `{"verdict":"pass","notes":"a {brace} in a string"}`, string(payload))
}

func TestRepairJSONFailure(t *testing.T) {
	_, _, ok := RepairJSON("no json here at all")
	assert.False(t, ok)
}

func TestRepairJSONDeterministic(t *testing.T) {
	inputs := []string{
		`{"ok":true}`,
		"text ```json\n{\"x\":1}\n``` more",
		`prefix {"a":{"b":2}} suffix`,
		"nothing",
	}
	for _, in := range inputs {
		p1, l1, ok1 := RepairJSON(in)
		p2, l2, ok2 := RepairJSON(in)
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, l1, l2)
		assert.Equal(t, string(p1), string(p2))
	}
}

func TestLastJSONDocument(t *testing.T) {
	text := `log line {"first":1} noise {"second":{"nested":true}} trailing {broken`
	assert.JSONEq(t, `{"second":{"nested":true}}`, lastJSONDocument(text))
	assert.Equal(t, "", lastJSONDocument("no objects"))
}
