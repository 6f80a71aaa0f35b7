package workspace

import (
	"bytes"
	"path"
	"path/filepath"
	"strings"
)

// FileKind is the design-flow role of a workspace file.
type FileKind string

const (
	KindSpec        FileKind = "spec"
	KindVerilog     FileKind = "verilog"
	KindTestbench   FileKind = "testbench"
	KindWaveform    FileKind = "waveform"
	KindSchematic   FileKind = "schematic"
	KindLayout      FileKind = "layout"
	KindConstraints FileKind = "constraints"
	KindReport      FileKind = "report"
	KindSynthLog    FileKind = "synth-log"
	KindOther       FileKind = "other"
)

// SynthRunsDir is the workspace subtree holding physical-design runs.
const SynthRunsDir = "synth_runs"

// Classify maps a workspace-relative path to its FileKind. content may be
// nil; it is only consulted to sniff YAML files that do not follow the
// *_spec.yaml naming convention.
func Classify(rel string, content []byte) FileKind {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == SynthRunsDir || strings.HasPrefix(rel, SynthRunsDir+"/") {
		return KindSynthLog
	}

	base := path.Base(rel)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, "_spec.yaml"), lower == "spec.yaml":
		return KindSpec
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		if sniffSpecYAML(content) {
			return KindSpec
		}
		return KindOther
	case strings.HasSuffix(lower, ".v"), strings.HasSuffix(lower, ".sv"):
		if strings.Contains(lower, "_tb.") || strings.HasPrefix(lower, "tb_") {
			return KindTestbench
		}
		return KindVerilog
	case strings.HasSuffix(lower, ".vcd"):
		return KindWaveform
	case strings.HasSuffix(lower, ".svg"):
		if strings.Contains(lower, "layout") {
			return KindLayout
		}
		return KindSchematic
	case strings.HasSuffix(lower, ".gds"), strings.HasSuffix(lower, ".odb"):
		return KindLayout
	case strings.HasSuffix(lower, ".sdc"):
		return KindConstraints
	case strings.HasSuffix(lower, ".md"):
		return KindReport
	default:
		return KindOther
	}
}

// sniffSpecYAML peeks at YAML content for the design-spec shape.
func sniffSpecYAML(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	head := content
	if len(head) > 2048 {
		head = head[:2048]
	}
	return bytes.Contains(head, []byte("ports:")) &&
		(bytes.Contains(head, []byte("clock_period")) || bytes.Contains(head, []byte("description")))
}
