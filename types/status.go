package types

// StatusKind 描述进度记录的类别。
type StatusKind string

const (
	StatusKindInfo      StatusKind = "info"
	StatusKindRetrieval StatusKind = "retrieval"
	StatusKindTool      StatusKind = "tool"
	StatusKindWarning   StatusKind = "warning"
	StatusKindError     StatusKind = "error"
)

// Status 是 meta 控制帧中携带的结构化进度描述。
// JSON 字段名与现有客户端保持一致，不可修改。
type Status struct {
	ID         string     `json:"id"`
	Summary    string     `json:"summary,omitempty"`
	Message    string     `json:"message,omitempty"`
	Kind       StatusKind `json:"kind,omitempty"`
	InProgress bool       `json:"inProgress"`
}

// Done 返回同一 ID 的完成态副本。
func (s Status) Done(message string) Status {
	s.InProgress = false
	if message != "" {
		s.Message = message
	}
	return s
}
