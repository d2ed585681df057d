package partialjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_CompleteValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
		rest  string
	}{
		{"null", "null", nil, ""},
		{"true", "true", true, ""},
		{"false with tail", "false, 1", false, ", 1"},
		{"string", `"hello"`, "hello", ""},
		{"escaped string", `"a\"b\\c\n"`, "a\"b\\c\n", ""},
		{"unicode escape", `"\u003cok\u003e"`, "<ok>", ""},
		{"number tail", "12.5 ", 12.5, " "},
		{"negative exponent", "-1e-3]", -0.001, "]"},
		{"array", `[1, "a", null, true]`, []any{float64(1), "a", nil, true}, ""},
		{"object", `{"a": 1, "b": [2]} trailing`, map[string]any{"a": float64(1), "b": []any{float64(2)}}, " trailing"},
		{"nested", `{"x":{"y":{"z":"w"}}}`, map[string]any{"x": map[string]any{"y": map[string]any{"z": "w"}}}, ""},
		{"empty array", "[]", []any{}, ""},
		{"empty object", "{}", map[string]any{}, ""},
		{"leading whitespace", "\n\t [ 1 ]", []any{float64(1)}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rest, complete := Parse(tt.input)
			assert.True(t, complete)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestParse_UnterminatedString(t *testing.T) {
	got, rest, complete := Parse(`{"value": "incomplete`)

	assert.False(t, complete, "input exhausted must signal that more input is required")
	assert.Empty(t, rest)
	assert.Equal(t, map[string]any{"value": "incomplete"}, got)
}

func TestParse_PartialInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"empty", "", nil},
		{"open array", "[", []any{}},
		{"array trailing comma", "[1, 2,", []any{float64(1), float64(2)}},
		{"array partial number", "[1, 2", []any{float64(1), float64(2)}},
		{"array partial literal", "[1, tr", []any{float64(1)}},
		{"array partial null", "[nu", []any{}},
		{"object partial key", `{"a": 1, "b`, map[string]any{"a": float64(1)}},
		{"object missing value", `{"a":`, map[string]any{}},
		{"object nested partial", `{"a": {"b": [1, {"c": "d`, map[string]any{
			"a": map[string]any{"b": []any{float64(1), map[string]any{"c": "d"}}},
		}},
		{"dangling escape", `["abc\`, []any{"abc"}},
		{"partial string", `"hel`, "hel"},
		{"lone minus", "-", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got      any
				rest     string
				complete bool
			)
			require.NotPanics(t, func() {
				got, rest, complete = Parse(tt.input)
			})
			assert.False(t, complete)
			assert.Empty(t, rest)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_SoftFailures(t *testing.T) {
	// 格式错误但完整的输入不报错，退化为零值或截断集合。
	got, rest, complete := Parse("1.2.3,")
	assert.True(t, complete)
	assert.Equal(t, float64(0), got)
	assert.Equal(t, ",", rest)

	got, _, complete = Parse(`{1: 2}`)
	assert.False(t, complete)
	assert.Equal(t, map[string]any{}, got)

	got, _, complete = Parse("[tru]")
	assert.True(t, complete)
	assert.Equal(t, []any{false}, got)
}

func TestParse_ResumeAfterValue(t *testing.T) {
	input := `{"a":1} {"b":2}`

	first, rest, complete := Parse(input)
	require.True(t, complete)
	assert.Equal(t, map[string]any{"a": float64(1)}, first)

	second, rest, complete := Parse(rest)
	require.True(t, complete)
	assert.Equal(t, map[string]any{"b": float64(2)}, second)
	assert.Empty(t, rest)
}

func TestParseObject(t *testing.T) {
	assert.Equal(t, map[string]any{"city": "Par"}, ParseObject(`{"city": "Par`))
	assert.Equal(t, map[string]any{}, ParseObject(`[1,2]`))
	assert.Equal(t, map[string]any{}, ParseObject(``))
}

func TestUnmarshal_PartialStruct(t *testing.T) {
	type args struct {
		Query string   `json:"query"`
		Limit int      `json:"limit"`
		Tags  []string `json:"tags"`
	}

	var a args
	require.NoError(t, Unmarshal(`{"query": "go streams", "limit": 5, "tags": ["a", "b`, &a))
	assert.Equal(t, "go streams", a.Query)
	assert.Equal(t, 5, a.Limit)
	assert.Equal(t, []string{"a", "b"}, a.Tags)
}
