package streaming

import (
	"encoding/json"

	"github.com/BaSui01/streamgate/types"
)

// DataFrame builds {"s":source,"d":payload}.
func DataFrame(source string, payload json.RawMessage) Frame {
	return Frame{Source: source, Data: payload}
}

// TextFrame builds a data frame whose payload is a JSON string.
func TextFrame(source, text string) Frame {
	return Frame{Source: source, Data: quote(text)}
}

// EndFrame builds {"s":source,"type":"end"}.
func EndFrame(source string) Frame {
	return Frame{Source: source, Type: TypeEnd}
}

// ErrorFrame builds {"s":source,"type":"error"}.
func ErrorFrame(source string) Frame {
	return Frame{Source: source, Type: TypeError}
}

// StatusFrame builds {"s":"meta","st":{...}}.
func StatusFrame(st types.Status) Frame {
	return Frame{Source: TagMeta, Status: &st}
}

// StateFrame builds {"s":"meta","state":{...}}.
func StateFrame(state any) (Frame, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return Frame{}, types.NewError(types.ErrInvalidFrame, "encode state").WithCause(err)
	}
	return Frame{Source: TagMeta, State: data}, nil
}

// AliasFrame builds the state frame carrying a source → channel alias table.
func AliasFrame(aliases map[string]string) Frame {
	data, _ := json.Marshal(struct {
		Aliases map[string]string `json:"aliases"`
	}{aliases})
	return Frame{Source: TagMeta, State: data}
}

// OutOfOrderFrame builds {"s":"meta","m":"out_of_order"}.
func OutOfOrderFrame() Frame {
	return Frame{Source: TagMeta, Mode: ModeOutOfOrder}
}

// ResultFrame builds {"s":"result","d":payload}.
func ResultFrame(payload any) (Frame, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Source: TagResult, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, types.NewError(types.ErrInvalidFrame, "encode result").WithCause(err)
	}
	return Frame{Source: TagResult, Data: data}, nil
}

// ResultEndFrame builds the stream terminator {"s":"result","type":"end"}.
func ResultEndFrame() Frame {
	return Frame{Source: TagResult, Type: TypeEnd}
}
