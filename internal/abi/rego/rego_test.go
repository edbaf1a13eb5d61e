package rego

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBuiltinsCount(t *testing.T) {
	fn := DefaultBuiltins()["count"]
	require.NotNil(t, fn)

	got, err := fn([]any{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, float64(3), got)
}

func TestDefaultBuiltinsConcat(t *testing.T) {
	fn := DefaultBuiltins()["concat"]
	require.NotNil(t, fn)

	got, err := fn(",", []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "a,b", got)
}

func TestUnresolvedBuiltinsReportsMissingOnly(t *testing.T) {
	catalog := DefaultBuiltins()
	declared := map[string]int32{"count": 0, "regex.match": 1}

	missing := UnresolvedBuiltins(declared, catalog)
	assert.Equal(t, []string{"regex.match"}, missing)
}

func TestUnresolvedBuiltinsEmptyWhenAllKnown(t *testing.T) {
	catalog := DefaultBuiltins()
	declared := map[string]int32{"count": 0, "upper": 1, "lower": 2}
	assert.Empty(t, UnresolvedBuiltins(declared, catalog))
}

func TestShapeOpaOutputAllowed(t *testing.T) {
	raw := json.RawMessage(`[{"result":{"response":{"allowed":true}}}]`)
	resp, err := shapeOpaOutput(raw)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}

func TestShapeOpaOutputRejectedWithMessage(t *testing.T) {
	raw := json.RawMessage(`[{"result":{"response":{"allowed":false,"status":{"message":"nope","code":403}}}}]`)
	resp, err := shapeOpaOutput(raw)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "nope", resp.Message)
	assert.Equal(t, int32(403), resp.Code)
}

func TestShapeGatekeeperOutputNoViolationsAllows(t *testing.T) {
	raw := json.RawMessage(`[{"result":{"violation":[]}}]`)
	resp, err := shapeGatekeeperOutput(raw)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}

func TestShapeGatekeeperOutputJoinsViolationMessages(t *testing.T) {
	raw := json.RawMessage(`[{"result":{"violation":[{"msg":"no privileged"},{"msg":"no hostPath"}]}}]`)
	resp, err := shapeGatekeeperOutput(raw)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "no privileged; no hostPath", resp.Message)
}

func TestShapeInputOpaFlavorInjectsKubernetesKey(t *testing.T) {
	d := New(nil, FlavorOpa)
	input, data, err := d.shapeInput(
		json.RawMessage(`{"max":3}`),
		json.RawMessage(`{"uid":"abc"}`),
		json.RawMessage(`{"pods":{}}`),
	)
	require.NoError(t, err)
	assert.Contains(t, string(input), `"AdmissionReview"`)
	assert.Contains(t, string(data), `"kubernetes"`)
	assert.Contains(t, string(data), `"max"`)
}

func TestShapeInputGatekeeperFlavorUsesParametersAndReview(t *testing.T) {
	d := New(nil, FlavorGatekeeper)
	input, data, err := d.shapeInput(
		json.RawMessage(`{"max":3}`),
		json.RawMessage(`{"uid":"abc"}`),
		json.RawMessage(`{"cluster":{}}`),
	)
	require.NoError(t, err)
	assert.Contains(t, string(input), `"parameters"`)
	assert.Contains(t, string(input), `"review"`)
	assert.Contains(t, string(data), `"inventory"`)
}
