package partialjson

import (
	"strings"
	"sync"
)

// ToolCallArgs 累积一次工具调用的参数增量，并按需对完整累积文本重新解析。
type ToolCallArgs struct {
	ID   string
	Name string

	mu  sync.Mutex
	buf strings.Builder
}

// NewToolCallArgs creates an accumulator for one tool call.
func NewToolCallArgs(id, name string) *ToolCallArgs {
	return &ToolCallArgs{ID: id, Name: name}
}

// Append adds one argument delta.
func (a *ToolCallArgs) Append(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.WriteString(delta)
}

// Raw returns the accumulated argument text.
func (a *ToolCallArgs) Raw() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Value returns the best-effort arguments object parsed from everything
// received so far.
func (a *ToolCallArgs) Value() map[string]any {
	return ParseObject(a.Raw())
}

// Complete reports whether the accumulated text holds a closed value.
func (a *ToolCallArgs) Complete() bool {
	raw := a.Raw()
	if strings.TrimSpace(raw) == "" {
		return false
	}
	_, _, complete := Parse(raw)
	return complete
}

// Decode decodes the current best-effort arguments into v.
func (a *ToolCallArgs) Decode(v any) error {
	return Unmarshal(a.Raw(), v)
}
