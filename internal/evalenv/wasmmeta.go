package evalenv

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kubewarden/policy-server/internal/policy"
)

// metadataCustomSection is the name of the Wasm custom section holding a
// policy's embedded Kubewarden metadata.
const metadataCustomSection = ".kubewarden"

// rawMetadata is the on-disk JSON shape of the .kubewarden custom
// section, annotated the way kwctl's own Metadata type serializes it
// (camelCase, protocolVersion only meaningful for WapcV1 modules).
type rawMetadata struct {
	ProtocolVersion *string           `json:"protocolVersion"`
	Rules           []rawRule         `json:"rules"`
	Mutating        bool              `json:"mutating"`
	Annotations     map[string]string `json:"annotations"`
	MinimumKubewardenVersion *string  `json:"minimumKubewardenVersion"`
}

type rawRule struct {
	APIGroups   []string `json:"apiGroups"`
	APIVersions []string `json:"apiVersions"`
	Resources   []string `json:"resources"`
	Operations  []string `json:"operations"`
}

// ExtractMetadata extracts a policy module's .kubewarden custom
// section plus its exported function names, and decides the module's ABI
// family the way kwctl's BackendDetector does: WapcV1 modules declare a
// protocolVersion and export __guest_call; Rego modules export opa_*
// symbols (internal/policy.ValidateOpaDetection enforces the converse);
// anything else exporting a WASI _start is treated as WasiCli.
//
// This has to work directly off raw module bytes rather than a compiled
// wazero module: Engine.Precompile needs the ABI/engine-version decision
// before it commits to compiling (and wazero's own CompiledModule only
// exposes custom sections and exports *after* compilation anyway), so a
// minimal binary-format walker is unavoidable here — no third-party
// library in the corpus parses the Wasm binary format ahead of a runtime.
func ExtractMetadata(wasmBytes []byte) (policy.Metadata, error) {
	sections, err := walkSections(wasmBytes)
	if err != nil {
		return policy.Metadata{}, err
	}

	var raw rawMetadata
	found := false
	for _, cs := range sections.custom {
		if cs.name == metadataCustomSection {
			if err := json.Unmarshal(cs.content, &raw); err != nil {
				return policy.Metadata{}, fmt.Errorf("decoding %s custom section: %w", metadataCustomSection, err)
			}
			found = true
			break
		}
	}
	if !found {
		return policy.Metadata{}, fmt.Errorf("module has no %s custom section", metadataCustomSection)
	}

	abiFamily, err := detectABI(raw, sections.exportNames)
	if err != nil {
		return policy.Metadata{}, err
	}

	rules := make([]policy.AdmissionRule, len(raw.Rules))
	for i, r := range raw.Rules {
		rules[i] = policy.AdmissionRule{
			APIGroups:   r.APIGroups,
			APIVersions: r.APIVersions,
			Resources:   r.Resources,
			Operations:  r.Operations,
		}
	}

	var engineVersion policy.EngineVersion
	if raw.MinimumKubewardenVersion != nil {
		engineVersion, err = policy.ParseEngineVersion(*raw.MinimumKubewardenVersion)
		if err != nil {
			return policy.Metadata{}, fmt.Errorf("parsing minimumKubewardenVersion: %w", err)
		}
	}

	return policy.Metadata{
		ABI:                  abiFamily,
		Rules:                rules,
		Mutating:             raw.Mutating,
		MinimumEngineVersion: engineVersion,
		Annotations:          raw.Annotations,
	}, nil
}

func detectABI(raw rawMetadata, exportNames []string) (policy.ABIFamily, error) {
	hasExport := func(name string) bool {
		for _, e := range exportNames {
			if e == name {
				return true
			}
		}
		return false
	}
	hasOpaExport := false
	for _, e := range exportNames {
		if strings.HasPrefix(e, "opa_") {
			hasOpaExport = true
			break
		}
	}

	switch {
	case raw.ProtocolVersion != nil && hasExport("__guest_call"):
		return policy.ABIWapcV1, nil
	case hasOpaExport:
		// Gatekeeper policies are themselves OPA-compiled Wasm modules;
		// the only reliable signal at this layer is a declared
		// annotation, since both flavors export the identical opa_* ABI
		// surface (spec.md §4.D.2).
		if raw.Annotations["io.kubewarden.policy.gatekeeper"] == "true" {
			return policy.ABIOpaGatekeeper, nil
		}
		return policy.ABIOpa, nil
	case hasExport("_start"):
		return policy.ABIWasiCli, nil
	default:
		return "", fmt.Errorf("unable to detect ABI family: module exports neither __guest_call, opa_* symbols, nor _start")
	}
}

type customSection struct {
	name    string
	content []byte
}

type wasmSections struct {
	custom      []customSection
	exportNames []string
}

// walkSections parses just enough of the Wasm binary format (module
// header, section framing, the custom and export sections) to answer
// ExtractMetadata's two questions, skipping every other section's
// contents unread.
func walkSections(wasmBytes []byte) (wasmSections, error) {
	if len(wasmBytes) < 8 || string(wasmBytes[0:4]) != "\x00asm" {
		return wasmSections{}, fmt.Errorf("not a wasm binary module")
	}
	buf := wasmBytes[8:]

	var out wasmSections
	for len(buf) > 0 {
		id := buf[0]
		buf = buf[1:]

		size, n, err := readVarUint32(buf)
		if err != nil {
			return wasmSections{}, fmt.Errorf("reading section size: %w", err)
		}
		buf = buf[n:]
		if uint64(len(buf)) < uint64(size) {
			return wasmSections{}, fmt.Errorf("truncated section body")
		}
		body := buf[:size]
		buf = buf[size:]

		switch id {
		case 0: // custom section
			name, rest, err := readName(body)
			if err != nil {
				return wasmSections{}, fmt.Errorf("reading custom section name: %w", err)
			}
			out.custom = append(out.custom, customSection{name: name, content: rest})
		case 7: // export section
			names, err := readExportNames(body)
			if err != nil {
				return wasmSections{}, fmt.Errorf("reading export section: %w", err)
			}
			out.exportNames = names
		}
	}
	return out, nil
}

func readExportNames(body []byte) ([]string, error) {
	count, n, err := readVarUint32(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]

	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, rest, err := readName(body)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		// rest starts with: kind(1 byte) + index(varuint).
		if len(rest) < 1 {
			return nil, fmt.Errorf("truncated export entry")
		}
		rest = rest[1:]
		_, n, err := readVarUint32(rest)
		if err != nil {
			return nil, err
		}
		body = rest[n:]
	}
	return names, nil
}

func readName(body []byte) (string, []byte, error) {
	length, n, err := readVarUint32(body)
	if err != nil {
		return "", nil, err
	}
	body = body[n:]
	if uint64(len(body)) < uint64(length) {
		return "", nil, fmt.Errorf("truncated name")
	}
	return string(body[:length]), body[length:], nil
}

// readVarUint32 decodes a LEB128-encoded unsigned integer, returning the
// value and the number of bytes it consumed.
func readVarUint32(buf []byte) (uint32, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if result > uint64(^uint32(0)) {
				return 0, 0, fmt.Errorf("varuint32 overflow")
			}
			return uint32(result), i + 1, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, 0, fmt.Errorf("varuint32 too long")
		}
	}
	return 0, 0, fmt.Errorf("unexpected end of buffer while reading varuint")
}
