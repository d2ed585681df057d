package partialjson

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Parse extracts one JSON-like value from the start of text.
//
// rest is the unconsumed remainder after the value. complete is false when
// the input ran out before the value was closed; the returned value is then
// the best-effort partial result and rest is empty. Malformed but complete
// input fails soft (zero number, truncated collection) instead of erroring.
func Parse(text string) (value any, rest string, complete bool) {
	p := &parser{buf: text}
	v, ok := p.value()
	if !ok {
		return v, "", false
	}
	return v, p.buf[p.pos:], true
}

// ParseObject parses text as an object and returns whatever keys are
// available so far. Any other value yields an empty map.
func ParseObject(text string) map[string]any {
	v, _, _ := Parse(text)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Unmarshal parses a possibly truncated document and decodes the best-effort
// value into v through encoding/json.
func Unmarshal(text string, v any) error {
	value, _, _ := Parse(text)
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

type parser struct {
	buf string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.buf) {
		switch p.buf[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.buf)
}

// value 根据首个非空白字符分派。ok=false 表示输入耗尽。
func (p *parser) value() (any, bool) {
	p.skipSpace()
	if p.eof() {
		return nil, false
	}
	switch c := p.buf[p.pos]; {
	case c == 'n':
		return p.null()
	case c == '[':
		return p.array()
	case c == '{':
		return p.object()
	case c == '"':
		return p.str()
	case c == 't' || c == 'f':
		return p.boolean()
	default:
		return p.number()
	}
}

func (p *parser) null() (any, bool) {
	end := p.pos + len("null")
	if end > len(p.buf) {
		p.pos = len(p.buf)
		return nil, false
	}
	p.pos = end
	return nil, true
}

func (p *parser) array() (any, bool) {
	p.pos++ // [
	out := make([]any, 0)
	for {
		p.skipSpace()
		if p.eof() {
			return out, false
		}
		switch p.buf[p.pos] {
		case ']':
			p.pos++
			return out, true
		case ',':
			p.pos++
			continue
		}
		start := p.pos
		v, ok := p.value()
		if !ok {
			if keepPartial(v) {
				out = append(out, v)
			}
			return out, false
		}
		if p.pos == start {
			// Unparseable byte; skip it rather than spin.
			p.pos++
			continue
		}
		out = append(out, v)
	}
}

func (p *parser) object() (any, bool) {
	p.pos++ // {
	out := make(map[string]any)
	for {
		p.skipSpace()
		if p.eof() {
			return out, false
		}
		switch p.buf[p.pos] {
		case '}':
			p.pos++
			return out, true
		case ',':
			p.pos++
			continue
		case '"':
		default:
			// Keys must be strings; give up on the rest of this object.
			p.pos = len(p.buf)
			return out, false
		}

		k, ok := p.str()
		if !ok {
			return out, false
		}
		key, _ := k.(string)

		p.skipSpace()
		if p.eof() {
			return out, false
		}
		if p.buf[p.pos] == ':' {
			p.pos++
		}
		p.skipSpace()
		if p.eof() {
			return out, false
		}

		v, ok := p.value()
		if !ok {
			if keepPartial(v) {
				out[key] = v
			}
			return out, false
		}
		out[key] = v
	}
}

func (p *parser) str() (any, bool) {
	start := p.pos + 1
	escaped := false
	for i := start; i < len(p.buf); i++ {
		c := p.buf[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			p.pos = i + 1
			return unquote(p.buf[start-1:i+1], p.buf[start:i]), true
		}
	}
	body := p.buf[start:]
	p.pos = len(p.buf)
	// Drop a dangling escape so the partial text decodes cleanly.
	if escaped {
		body = body[:len(body)-1]
	}
	return unquote(`"`+body+`"`, body), false
}

func unquote(quoted, raw string) string {
	if !strings.ContainsRune(raw, '\\') {
		return raw
	}
	var s string
	if err := json.Unmarshal([]byte(quoted), &s); err != nil {
		return raw
	}
	return s
}

func (p *parser) boolean() (any, bool) {
	start := p.pos
	for p.pos < len(p.buf) && !isDelimiter(p.buf[p.pos]) {
		p.pos++
	}
	token := p.buf[start:p.pos]
	if p.eof() && len(token) < len("false") && token != "true" {
		return token == "true", false
	}
	return token == "true", true
}

func (p *parser) number() (any, bool) {
	start := p.pos
	for p.pos < len(p.buf) && isNumberChar(p.buf[p.pos]) {
		p.pos++
	}
	token := p.buf[start:p.pos]
	f, err := strconv.ParseFloat(token, 64)
	if p.eof() {
		// The number may continue in the next chunk.
		if err != nil {
			return nil, false
		}
		return f, false
	}
	if err != nil {
		return float64(0), true
	}
	return f, true
}

// keepPartial 决定未闭合的尾部值是否写入部分结果。
// 被截断的布尔和 null 字面量没有意义，丢弃。
func keepPartial(v any) bool {
	switch v.(type) {
	case string, float64, []any, map[string]any:
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case ',', ']', '}', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func isNumberChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}
