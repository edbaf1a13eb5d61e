package evalenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/policy"
)

func appendVarUint32(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
		} else {
			buf = append(buf, b)
			break
		}
	}
	return buf
}

func appendName(buf []byte, name string) []byte {
	buf = appendVarUint32(buf, uint32(len(name)))
	return append(buf, name...)
}

// buildWasmModule assembles a minimal module: header, a custom section
// named metadataCustomSection carrying metadataJSON, and an export section
// listing exportNames (each reported as a function export, index 0).
func buildWasmModule(metadataJSON string, exportNames []string) []byte {
	out := []byte("\x00asm")
	out = append(out, 1, 0, 0, 0)

	custom := appendName(nil, metadataCustomSection)
	custom = append(custom, metadataJSON...)
	out = append(out, 0)
	out = appendVarUint32(out, uint32(len(custom)))
	out = append(out, custom...)

	var exportBody []byte
	exportBody = appendVarUint32(exportBody, uint32(len(exportNames)))
	for _, name := range exportNames {
		exportBody = appendName(exportBody, name)
		exportBody = append(exportBody, 0) // kind: func
		exportBody = appendVarUint32(exportBody, 0)
	}
	out = append(out, 7)
	out = appendVarUint32(out, uint32(len(exportBody)))
	out = append(out, exportBody...)

	return out
}

func TestReadVarUint32RoundTrips(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 1 << 20, ^uint32(0)} {
		buf := appendVarUint32(nil, v)
		got, n, err := readVarUint32(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestReadVarUint32TruncatedBuffer(t *testing.T) {
	_, _, err := readVarUint32([]byte{0x80, 0x80})
	assert.Error(t, err)
}

func TestWalkSectionsRejectsNonWasmInput(t *testing.T) {
	_, err := walkSections([]byte("not a wasm module"))
	assert.Error(t, err)
}

func TestWalkSectionsExtractsCustomSectionAndExports(t *testing.T) {
	raw := buildWasmModule(`{"rules":[],"mutating":false}`, []string{"__guest_call", "memory"})

	sections, err := walkSections(raw)
	require.NoError(t, err)
	require.Len(t, sections.custom, 1)
	assert.Equal(t, metadataCustomSection, sections.custom[0].name)
	assert.Contains(t, sections.exportNames, "__guest_call")
	assert.Contains(t, sections.exportNames, "memory")
}

func TestDetectABIWapcV1(t *testing.T) {
	protocolVersion := "v1"
	raw := rawMetadata{ProtocolVersion: &protocolVersion}
	abiFamily, err := detectABI(raw, []string{"__guest_call"})
	require.NoError(t, err)
	assert.Equal(t, policy.ABIWapcV1, abiFamily)
}

func TestDetectABIOpaWithoutGatekeeperAnnotation(t *testing.T) {
	raw := rawMetadata{}
	abiFamily, err := detectABI(raw, []string{"opa_eval_ctx_new", "memory"})
	require.NoError(t, err)
	assert.Equal(t, policy.ABIOpa, abiFamily)
}

func TestDetectABIOpaGatekeeperWithAnnotation(t *testing.T) {
	raw := rawMetadata{Annotations: map[string]string{"io.kubewarden.policy.gatekeeper": "true"}}
	abiFamily, err := detectABI(raw, []string{"opa_eval_ctx_new"})
	require.NoError(t, err)
	assert.Equal(t, policy.ABIOpaGatekeeper, abiFamily)
}

func TestDetectABIWasiCli(t *testing.T) {
	raw := rawMetadata{}
	abiFamily, err := detectABI(raw, []string{"_start", "memory"})
	require.NoError(t, err)
	assert.Equal(t, policy.ABIWasiCli, abiFamily)
}

func TestDetectABIUnrecognizedExportsFail(t *testing.T) {
	raw := rawMetadata{}
	_, err := detectABI(raw, []string{"memory"})
	assert.Error(t, err)
}

func TestExtractMetadataDecodesRulesAndEngineVersion(t *testing.T) {
	metaJSON := `{
		"protocolVersion": "v1",
		"rules": [{"apiGroups": ["apps"], "apiVersions": ["v1"], "resources": ["deployments"], "operations": ["CREATE"]}],
		"mutating": true,
		"minimumKubewardenVersion": "1.2.3"
	}`
	raw := buildWasmModule(metaJSON, []string{"__guest_call"})

	meta, err := ExtractMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, policy.ABIWapcV1, meta.ABI)
	require.Len(t, meta.Rules, 1)
	assert.Equal(t, []string{"deployments"}, meta.Rules[0].Resources)
	assert.True(t, meta.Mutating)
	assert.Equal(t, policy.EngineVersion{Major: 1, Minor: 2, Patch: 3}, meta.MinimumEngineVersion)
}

func TestExtractMetadataMissingCustomSectionFails(t *testing.T) {
	out := []byte("\x00asm")
	out = append(out, 1, 0, 0, 0)
	_, err := ExtractMetadata(out)
	assert.Error(t, err)
}

func TestExtractMetadataRejectsInvalidEngineVersion(t *testing.T) {
	metaJSON := `{"protocolVersion":"v1","rules":[{"apiGroups":["*"],"apiVersions":["*"],"resources":["*"],"operations":["*"]}],"minimumKubewardenVersion":"not-a-version"}`
	raw := buildWasmModule(metaJSON, []string{"__guest_call"})
	_, err := ExtractMetadata(raw)
	assert.Error(t, err)
}
