package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// NormalizerKind selects how a provider-specific decoded event is mapped into
// the common delta shape (a JSON string payload). One variant per supported
// provider; the set is closed so the normalization surface stays auditable.
type NormalizerKind string

const (
	NormalizerNone      NormalizerKind = "none"
	NormalizerOpenAI    NormalizerKind = "openai"
	NormalizerAnthropic NormalizerKind = "anthropic"
	NormalizerGemini    NormalizerKind = "gemini"
	NormalizerText      NormalizerKind = "text"
)

// 各供应商增量文本所在路径，按优先级排列。
var normalizerPaths = map[NormalizerKind][]string{
	NormalizerOpenAI: {
		"choices.0.delta.content",
		"choices.0.delta.tool_calls.0.function.arguments",
		"choices.0.text",
	},
	NormalizerAnthropic: {
		"delta.text",
		"delta.partial_json",
		"delta.thinking",
	},
	NormalizerGemini: {
		"candidates.0.content.parts.0.text",
		"candidates.0.content.parts.0.functionCall.args",
	},
}

// ParseNormalizer resolves a configured normalizer name. Empty means none.
func ParseNormalizer(name string) (NormalizerKind, error) {
	switch k := NormalizerKind(strings.ToLower(strings.TrimSpace(name))); k {
	case "":
		return NormalizerNone, nil
	case NormalizerNone, NormalizerOpenAI, NormalizerAnthropic, NormalizerGemini, NormalizerText:
		return k, nil
	default:
		return "", fmt.Errorf("unknown normalizer %q", name)
	}
}

// Normalize maps the decoded event carried in f.Data into a JSON string delta.
// ok is false when the event carries no delta (role-only chunks, message_start
// and similar bookkeeping events) and should be dropped.
func (k NormalizerKind) Normalize(f Frame) (Frame, bool) {
	switch k {
	case NormalizerNone, "":
		return f, true
	case NormalizerText:
		return f.withData(quote(f.Text())), true
	}

	paths, known := normalizerPaths[k]
	if !known {
		return f, true
	}
	if len(f.Data) == 0 {
		return f, false
	}
	// Already in the common shape.
	if f.Data[0] == '"' {
		return f, true
	}

	for _, p := range paths {
		r := gjson.GetBytes(f.Data, p)
		if !r.Exists() {
			continue
		}
		text := r.String()
		if r.IsObject() || r.IsArray() {
			text = r.Raw
		}
		if text == "" {
			continue
		}
		return f.withData(quote(text)), true
	}
	return f, false
}

// quote encodes s as a JSON string without HTML escaping.
func quote(s string) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}
