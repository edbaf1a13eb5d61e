package admission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/policy"
)

func TestBuildProtectModeRejectPassesThrough(t *testing.T) {
	verdict := abi.Response{Allowed: false, Message: "deployment missing owner label"}
	result, err := Build(types.UID("req-1"), policy.ModeProtect, policy.Descriptor{}, nil, verdict)
	require.NoError(t, err)

	assert.False(t, result.Response.Allowed)
	assert.Equal(t, "deployment missing owner label", result.Response.Result.Message)
	assert.False(t, result.RewrittenByMonitor)
}

func TestBuildProtectModeRejectUsesCustomMessage(t *testing.T) {
	verdict := abi.Response{Allowed: false, Message: "deployment missing owner label"}
	descriptor := policy.Descriptor{Message: "all deployments must declare an owner"}
	result, err := Build(types.UID("req-1"), policy.ModeProtect, descriptor, nil, verdict)
	require.NoError(t, err)

	assert.Equal(t, "all deployments must declare an owner", result.Response.Result.Message)
}

func TestBuildMonitorModeRejectRewritesToAllow(t *testing.T) {
	verdict := abi.Response{Allowed: false, Message: "deployment missing owner label"}
	result, err := Build(types.UID("req-1"), policy.ModeMonitor, policy.Descriptor{}, nil, verdict)
	require.NoError(t, err)

	assert.True(t, result.Response.Allowed)
	assert.Nil(t, result.Response.Result)
	assert.True(t, result.RewrittenByMonitor)
	assert.False(t, result.OriginalVerdict)
	assert.Equal(t, "deployment missing owner label", result.OriginalMessage)
}

func TestBuildAllowWithoutMutationHasNoPatch(t *testing.T) {
	verdict := abi.Response{Allowed: true}
	result, err := Build(types.UID("req-1"), policy.ModeProtect, policy.Descriptor{AllowedToMutate: true}, nil, verdict)
	require.NoError(t, err)

	assert.True(t, result.Response.Allowed)
	assert.Nil(t, result.Response.Patch)
	assert.Nil(t, result.Response.PatchType)
}

func TestBuildAllowWithMutationAttachesPatch(t *testing.T) {
	original, _ := json.Marshal(map[string]any{"metadata": map[string]any{"labels": map[string]any{}}})
	mutated, _ := json.Marshal(map[string]any{"metadata": map[string]any{"labels": map[string]any{"owner": "team-a"}}})

	verdict := abi.Response{Allowed: true, MutatedObject: mutated}
	descriptor := policy.Descriptor{AllowedToMutate: true}
	result, err := Build(types.UID("req-1"), policy.ModeProtect, descriptor, original, verdict)
	require.NoError(t, err)

	require.NotNil(t, result.Response.Patch)
	require.NotNil(t, result.Response.PatchType)
	assert.Equal(t, "JSONPatch", string(*result.Response.PatchType))
}

func TestBuildAllowMutationIgnoredWhenNotAllowedToMutate(t *testing.T) {
	original, _ := json.Marshal(map[string]any{"a": 1})
	mutated, _ := json.Marshal(map[string]any{"a": 2})

	verdict := abi.Response{Allowed: true, MutatedObject: mutated}
	result, err := Build(types.UID("req-1"), policy.ModeProtect, policy.Descriptor{AllowedToMutate: false}, original, verdict)
	require.NoError(t, err)

	assert.Nil(t, result.Response.Patch)
}

func TestBuildAllowMutationIdenticalObjectProducesNoPatch(t *testing.T) {
	same, _ := json.Marshal(map[string]any{"a": 1})

	verdict := abi.Response{Allowed: true, MutatedObject: same}
	descriptor := policy.Descriptor{AllowedToMutate: true}
	result, err := Build(types.UID("req-1"), policy.ModeProtect, descriptor, same, verdict)
	require.NoError(t, err)

	assert.Nil(t, result.Response.Patch)
}

func TestBuildRawReturnsVerdictVerbatim(t *testing.T) {
	verdict := abi.Response{Allowed: false, Message: "rejected", Code: 403}
	raw := BuildRaw(verdict)

	assert.False(t, raw.Accepted)
	assert.Equal(t, "rejected", raw.Message)
	assert.Equal(t, int32(403), raw.Code)
}
