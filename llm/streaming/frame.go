package streaming

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/BaSui01/streamgate/types"
)

// 保留标签与取值。
const (
	TagMeta   = "meta"
	TagResult = "result"

	TypeEnd   = "end"
	TypeError = "error"

	ModeOutOfOrder = "out_of_order"

	// DoneSentinel 是遗留的流结束哨兵，不是 JSON。
	DoneSentinel = "[DONE]"
)

const (
	framePrefix    = "data: "
	frameDelimiter = "\n\n"
)

var (
	// ErrDoneSentinel is returned by ParseSegment for a bare "[DONE]" payload.
	ErrDoneSentinel = errors.New("done sentinel")
	// ErrEmptySegment is returned for keep-alive or comment-only segments.
	ErrEmptySegment = errors.New("empty segment")
)

// Kind classifies a frame.
type Kind string

const (
	KindData   Kind = "data"
	KindMeta   Kind = "meta"
	KindResult Kind = "result"
	KindError  Kind = "error"
	KindEnd    Kind = "end"
)

// Frame is one decoded unit of the wire protocol.
//
// Field order matters: it produces the canonical key order of every wire shape.
type Frame struct {
	Source string          `json:"s"`
	Data   json.RawMessage `json:"d,omitempty"`
	Type   string          `json:"type,omitempty"`
	Status *types.Status   `json:"st,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
	Mode   string          `json:"m,omitempty"`

	// raw 是解码来源的原始 JSON 对象；为空表示本地构造。
	raw []byte
}

// Kind derives the frame tag.
func (f Frame) Kind() Kind {
	switch {
	case f.Source == TagMeta:
		return KindMeta
	case f.Type == TypeEnd:
		return KindEnd
	case f.Type == TypeError:
		return KindError
	case f.Source == TagResult:
		return KindResult
	default:
		return KindData
	}
}

// IsStreamEnd reports whether f is the terminal {"s":"result","type":"end"} frame.
func (f Frame) IsStreamEnd() bool {
	return f.Source == TagResult && f.Type == TypeEnd
}

// WithSource returns a copy of f tagged with source.
func (f Frame) WithSource(source string) Frame {
	f.Source = source
	f.raw = nil
	return f
}

// withData returns a copy of f carrying data as its payload.
func (f Frame) withData(data json.RawMessage) Frame {
	f.Data = data
	f.raw = nil
	return f
}

// Bare returns f without the bytes it was decoded from, so a received frame
// compares equal to the same frame built locally.
func (f Frame) Bare() Frame {
	f.raw = nil
	return f
}

// Received reports whether f was decoded from a segment and still carries
// the original bytes.
func (f Frame) Received() bool {
	return f.raw != nil
}

// Text returns the payload as text. JSON strings are unquoted; any other
// JSON value is returned in its serialized form.
func (f Frame) Text() string {
	if len(f.Data) == 0 {
		return ""
	}
	if f.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Data, &s); err == nil {
			return s
		}
	}
	return string(f.Data)
}

// Aliases returns the channel alias table carried by a state frame, or nil.
func (f Frame) Aliases() map[string]string {
	if len(f.State) == 0 {
		return nil
	}
	var st struct {
		Aliases map[string]string `json:"aliases"`
	}
	if err := json.Unmarshal(f.State, &st); err != nil {
		return nil
	}
	return st.Aliases
}

// MarshalFrame encodes f as its JSON object without HTML escaping, so payloads
// are reproduced exactly.
func MarshalFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, types.NewError(types.ErrInvalidFrame, "encode frame").WithCause(err).WithSource(f.Source)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncodeFrame encodes f in wire form: "data: " + JSON + blank line.
func EncodeFrame(f Frame) ([]byte, error) {
	body, err := MarshalFrame(f)
	if err != nil {
		return nil, err
	}
	return wrap(body), nil
}

// encodeVerbatim is EncodeFrame for forwarding: a received frame is written
// back exactly as it arrived, unknown keys included.
func encodeVerbatim(f Frame) ([]byte, error) {
	if f.raw != nil {
		return wrap(f.raw), nil
	}
	return EncodeFrame(f)
}

func wrap(body []byte) []byte {
	out := make([]byte, 0, len(framePrefix)+len(body)+len(frameDelimiter))
	out = append(out, framePrefix...)
	out = append(out, body...)
	out = append(out, frameDelimiter...)
	return out
}

// ParseSegment decodes one blank-line delimited segment.
//
// A segment that is a provider's own JSON event (no "s"/"d" fields) decodes to
// an untagged data frame whose payload is the whole event.
//
// The frame keeps the received object, so forwarding it writes back the same
// bytes, keys the Frame fields do not model included.
//
// It returns ErrDoneSentinel for "[DONE]", ErrEmptySegment for segments with no
// payload, and a *types.Error with code INVALID_FRAME for malformed JSON.
func ParseSegment(seg string) (Frame, error) {
	payload, ok := segmentPayload(seg)
	if !ok {
		return Frame{}, ErrEmptySegment
	}
	if payload == DoneSentinel {
		return Frame{}, ErrDoneSentinel
	}

	raw := singleLine([]byte(payload))
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, types.NewError(types.ErrInvalidFrame, "malformed frame").WithCause(err)
	}
	if f.untagged() && strings.HasPrefix(payload, "{") {
		// 未打标签的供应商原始事件：整个对象作为载荷，交给归一化器处理。
		return Frame{Data: json.RawMessage(payload), raw: raw}, nil
	}
	f.raw = raw
	return f, nil
}

// singleLine 把跨多行 data 的对象压缩为一行，保证原样转发仍是单个 data 行。
func singleLine(raw []byte) []byte {
	if !bytes.ContainsAny(raw, "\r\n") {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// untagged reports whether f carries none of the protocol fields, i.e. the
// segment was a provider's own event object rather than a gateway frame.
func (f Frame) untagged() bool {
	return f.Source == "" && len(f.Data) == 0 && f.Status == nil && len(f.State) == 0 &&
		f.Mode == "" && f.Type != TypeEnd && f.Type != TypeError
}

// segmentPayload 提取 data 行内容。event/id/retry 字段与注释行被忽略；
// 没有任何字段行的裸 JSON 段也被接受。
func segmentPayload(seg string) (string, bool) {
	var data []string
	sawField := false
	for _, line := range strings.Split(seg, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":"):
			sawField = true
		case strings.HasPrefix(line, "data:"):
			sawField = true
			data = append(data, strings.TrimPrefix(line[len("data:"):], " "))
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
			sawField = true
		}
	}

	if len(data) == 0 {
		if sawField {
			return "", false
		}
		bare := strings.TrimSpace(seg)
		if bare == "" {
			return "", false
		}
		return bare, true
	}

	payload := strings.TrimSpace(strings.Join(data, "\n"))
	if payload == "" {
		return "", false
	}
	return payload, true
}
