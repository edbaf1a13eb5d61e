package evalenv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/policy"
)

func newTestEnv() *Env {
	return New(nil, nil)
}

func TestValidateUnknownPolicyReturnsErrUnknownPolicy(t *testing.T) {
	e := newTestEnv()
	_, err := e.Validate(context.Background(), "does-not-exist", abi.Request{})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestValidateAlwaysRejectingEntryShortCircuits(t *testing.T) {
	e := newTestEnv()
	e.entries["broken"] = &entry{
		descriptor: policy.Descriptor{ID: "broken"},
		state:      StateAlwaysRejecting,
		initError:  "policy settings were rejected at boot",
	}

	resp, err := e.Validate(context.Background(), "broken", abi.Request{})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Message, "policy settings were rejected at boot")
}

func TestModeReportsEntryMode(t *testing.T) {
	e := newTestEnv()
	e.entries["p"] = &entry{descriptor: policy.Descriptor{ID: "p"}, mode: policy.ModeMonitor}

	mode, ok := e.Mode("p")
	require.True(t, ok)
	assert.Equal(t, policy.ModeMonitor, mode)
}

func TestModeDefaultsGroupToProtectWhenUnset(t *testing.T) {
	e := newTestEnv()
	e.groups["g"] = &group{descriptor: policy.GroupDescriptor{ID: "g"}}

	mode, ok := e.Mode("g")
	require.True(t, ok)
	assert.Equal(t, policy.ModeProtect, mode)
}

func TestModeUnknownIDReturnsFalse(t *testing.T) {
	e := newTestEnv()
	_, ok := e.Mode("nope")
	assert.False(t, ok)
}

func TestDescriptorReturnsRegisteredDescriptor(t *testing.T) {
	e := newTestEnv()
	e.entries["p"] = &entry{descriptor: policy.Descriptor{ID: "p", Message: "custom rejection message"}}

	d, ok := e.Descriptor("p")
	require.True(t, ok)
	assert.Equal(t, "custom rejection message", d.Message)
}

func TestDescriptorUnknownIDReturnsFalse(t *testing.T) {
	e := newTestEnv()
	_, ok := e.Descriptor("nope")
	assert.False(t, ok)
}

func TestFailWithoutContinueOnErrorsAbortsBoot(t *testing.T) {
	e := newTestEnv()
	ent := &entry{descriptor: policy.Descriptor{ID: "p"}, state: StatePrecompiled}
	e.entries["p"] = ent

	err := e.fail("p", ent, assertErr("settings invalid"))
	assert.Error(t, err)
	assert.Equal(t, StatePrecompiled, ent.state, "state must be untouched when boot aborts outright")
}

func TestFailWithContinueOnErrorsDemotesEntry(t *testing.T) {
	e := New(nil, nil, WithContinueOnErrors())
	ent := &entry{descriptor: policy.Descriptor{ID: "p"}, state: StatePrecompiled}
	e.entries["p"] = ent

	err := e.fail("p", ent, assertErr("settings invalid"))
	require.NoError(t, err)
	assert.Equal(t, StateAlwaysRejecting, ent.state)
	assert.Contains(t, ent.initError, "settings invalid")
}

// groupResult mirrors foldGroupResults' unexported anonymous parameter
// struct field-for-field, so literals built from it are assignable to it.
type groupResult = struct {
	name     string
	response abi.Response
	err      error
}

func TestFoldGroupResultsAllRequiresEveryMemberAllowed(t *testing.T) {
	allAllowed := []groupResult{
		{name: "a", response: abi.Response{Allowed: true}},
		{name: "b", response: abi.Response{Allowed: true}},
	}
	resp, err := foldGroupResults(policy.CombinatorAll, allAllowed)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)

	oneRejected := []groupResult{
		{name: "a", response: abi.Response{Allowed: true}},
		{name: "b", response: abi.Response{Allowed: false, Message: "denied by b"}},
	}
	resp, err = foldGroupResults(policy.CombinatorAll, oneRejected)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Message, "denied by b")
}

func TestFoldGroupResultsAnyAllowsOnSingleMatch(t *testing.T) {
	results := []groupResult{
		{name: "a", response: abi.Response{Allowed: false, Message: "denied by a"}},
		{name: "b", response: abi.Response{Allowed: true}},
	}
	resp, err := foldGroupResults(policy.CombinatorAny, results)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)

	allRejected := []groupResult{
		{name: "a", response: abi.Response{Allowed: false, Message: "denied by a"}},
		{name: "b", response: abi.Response{Allowed: false, Message: "denied by b"}},
	}
	resp, err = foldGroupResults(policy.CombinatorAny, allRejected)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Message, "denied by a")
	assert.Contains(t, resp.Message, "denied by b")
}

func TestFoldGroupResultsUnknownCombinatorErrors(t *testing.T) {
	_, err := foldGroupResults(policy.GroupCombinator("xor"), []groupResult{{name: "a"}})
	assert.Error(t, err)
}

func TestFoldGroupResultsTreatsMemberErrorAsRejection(t *testing.T) {
	results := []groupResult{
		{name: "a", err: assertErr("group member a references unknown policy")},
	}
	resp, err := foldGroupResults(policy.CombinatorAll, results)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Message, "references unknown policy")
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }
