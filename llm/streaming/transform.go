package streaming

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// TransformKind 是封闭的文本变换策略集合。
type TransformKind string

const (
	TransformNormalizeNewlines TransformKind = "normalize_newlines"
	TransformStripControl      TransformKind = "strip_control"
	TransformStripANSI         TransformKind = "strip_ansi"
	TransformTrimBOM           TransformKind = "trim_bom"
	TransformReplace           TransformKind = "replace"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Transform is a pure text-to-text step applied to every data payload.
// Old and New are only used by TransformReplace.
type Transform struct {
	Kind TransformKind `json:"kind" yaml:"kind"`
	Old  string        `json:"old,omitempty" yaml:"old,omitempty"`
	New  string        `json:"new,omitempty" yaml:"new,omitempty"`
}

// Apply runs the transform. Unknown kinds are the identity.
func (t Transform) Apply(s string) string {
	switch t.Kind {
	case TransformNormalizeNewlines:
		return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
	case TransformStripControl:
		return strings.Map(func(r rune) rune {
			if r == '\n' || r == '\t' || !unicode.IsControl(r) {
				return r
			}
			return -1
		}, s)
	case TransformStripANSI:
		return ansiPattern.ReplaceAllString(s, "")
	case TransformTrimBOM:
		return strings.TrimPrefix(s, "\ufeff")
	case TransformReplace:
		if t.Old == "" {
			return s
		}
		return strings.ReplaceAll(s, t.Old, t.New)
	default:
		return s
	}
}

// ParseTransform resolves a configured transform name.
// "replace" takes the form "replace:<old>=<new>".
func ParseTransform(spec string) (Transform, error) {
	name, arg, _ := strings.Cut(spec, ":")
	switch kind := TransformKind(strings.TrimSpace(name)); kind {
	case TransformNormalizeNewlines, TransformStripControl, TransformStripANSI, TransformTrimBOM:
		return Transform{Kind: kind}, nil
	case TransformReplace:
		old, repl, ok := strings.Cut(arg, "=")
		if !ok || old == "" {
			return Transform{}, fmt.Errorf("invalid replace transform %q, want replace:<old>=<new>", spec)
		}
		return Transform{Kind: kind, Old: old, New: repl}, nil
	default:
		return Transform{}, fmt.Errorf("unknown transform %q", spec)
	}
}

// ParseTransforms resolves a list of configured transform names in order.
func ParseTransforms(specs []string) ([]Transform, error) {
	out := make([]Transform, 0, len(specs))
	for _, s := range specs {
		t, err := ParseTransform(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
