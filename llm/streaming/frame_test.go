package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamgate/types"
)

func mustEncode(t *testing.T, f Frame) string {
	t.Helper()
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	return string(data)
}

func TestEncodeFrame_WireShapes(t *testing.T) {
	st := types.Status{ID: "retrieval", Summary: "searching", Kind: types.StatusKindRetrieval, InProgress: true}
	state, err := StateFrame(map[string]int{"n": 1})
	require.NoError(t, err)
	result, err := ResultFrame(map[string]string{"answer": "42"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{"status", StatusFrame(st), `{"s":"meta","st":{"id":"retrieval","summary":"searching","kind":"retrieval","inProgress":true}}`},
		{"state", state, `{"s":"meta","state":{"n":1}}`},
		{"out of order", OutOfOrderFrame(), `{"s":"meta","m":"out_of_order"}`},
		{"data", TextFrame("answer", "X"), `{"s":"answer","d":"X"}`},
		{"end", EndFrame("answer"), `{"s":"answer","type":"end"}`},
		{"error", ErrorFrame("rag"), `{"s":"rag","type":"error"}`},
		{"result", result, `{"s":"result","d":{"answer":"42"}}`},
		{"result end", ResultEndFrame(), `{"s":"result","type":"end"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "data: "+tt.want+"\n\n", mustEncode(t, tt.frame))
		})
	}
}

func TestEncodeFrame_NoHTMLEscaping(t *testing.T) {
	got := mustEncode(t, TextFrame("a", "<b> & </b>"))
	assert.Equal(t, "data: {\"s\":\"a\",\"d\":\"<b> & </b>\"}\n\n", got)
}

func TestAliasFrame(t *testing.T) {
	f := AliasFrame(map[string]string{"rag": "context"})
	assert.Equal(t, `data: {"s":"meta","state":{"aliases":{"rag":"context"}}}`+"\n\n", mustEncode(t, f))
	assert.Equal(t, map[string]string{"rag": "context"}, f.Aliases())
	assert.Nil(t, StatusFrame(types.Status{ID: "x"}).Aliases())
}

func TestResultFrame_RawPassthrough(t *testing.T) {
	f, err := ResultFrame(json.RawMessage(`{"a":[1,2]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(f.Data))

	_, err = ResultFrame(make(chan int))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidFrame))
}

func TestFrame_Kind(t *testing.T) {
	assert.Equal(t, KindMeta, OutOfOrderFrame().Kind())
	assert.Equal(t, KindData, TextFrame("a", "x").Kind())
	assert.Equal(t, KindEnd, EndFrame("a").Kind())
	assert.Equal(t, KindError, ErrorFrame("a").Kind())
	assert.Equal(t, KindEnd, ResultEndFrame().Kind())
	assert.True(t, ResultEndFrame().IsStreamEnd())
	assert.False(t, EndFrame("a").IsStreamEnd())

	r, err := ResultFrame("done")
	require.NoError(t, err)
	assert.Equal(t, KindResult, r.Kind())
}

func TestFrame_Text(t *testing.T) {
	assert.Equal(t, "hello\n", TextFrame("a", "hello\n").Text())
	assert.Equal(t, `{"k":1}`, DataFrame("a", json.RawMessage(`{"k":1}`)).Text())
	assert.Equal(t, "3.5", DataFrame("a", json.RawMessage(`3.5`)).Text())
	assert.Equal(t, "", EndFrame("a").Text())
}

func TestFrame_WithSourceCopies(t *testing.T) {
	orig := TextFrame("a", "x")
	moved := orig.WithSource("b")
	assert.Equal(t, "a", orig.Source)
	assert.Equal(t, "b", moved.Source)
}

func TestParseSegment(t *testing.T) {
	tests := []struct {
		name    string
		seg     string
		want    Frame
		wantErr error
	}{
		{name: "data line", seg: `data: {"s":"a","d":"x"}`, want: TextFrame("a", "x")},
		{name: "no space", seg: `data:{"s":"a","type":"end"}`, want: EndFrame("a")},
		{name: "bare json", seg: `{"s":"meta","m":"out_of_order"}`, want: OutOfOrderFrame()},
		{name: "event and id lines", seg: "event: message\nid: 7\ndata: {\"s\":\"a\",\"d\":\"x\"}", want: TextFrame("a", "x")},
		{name: "crlf", seg: "data: {\"s\":\"a\",\"d\":\"x\"}\r", want: TextFrame("a", "x")},
		{name: "provider event", seg: `data: {"type":"content_block_delta","delta":{"text":"Hi"}}`, want: Frame{Data: json.RawMessage(`{"type":"content_block_delta","delta":{"text":"Hi"}}`)}},
		{name: "done sentinel", seg: "data: [DONE]", wantErr: ErrDoneSentinel},
		{name: "comment only", seg: ": keep-alive", wantErr: ErrEmptySegment},
		{name: "blank", seg: "  \n ", wantErr: ErrEmptySegment},
		{name: "empty data", seg: "data: ", wantErr: ErrEmptySegment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSegment(tt.seg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Bare())
			assert.True(t, got.Received())
		})
	}
}

func TestParseSegment_Malformed(t *testing.T) {
	for _, seg := range []string{`data: {"s":"a","d":`, `data: not json`, `data: [1,2]`} {
		_, err := ParseSegment(seg)
		require.Error(t, err, seg)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidFrame), seg)
	}
}

func TestParseSegment_RoundTrip(t *testing.T) {
	frames := []Frame{
		TextFrame("answer", "line one\nline two"),
		EndFrame("rag"),
		StatusFrame(types.Status{ID: "s1", Message: "ok", InProgress: false}),
		AliasFrame(map[string]string{"a": "b"}),
		ResultEndFrame(),
	}
	for _, f := range frames {
		enc := mustEncode(t, f)
		var dec Decoder
		segs := dec.Feed([]byte(enc))
		require.Len(t, segs, 1)
		got, err := ParseSegment(segs[0])
		require.NoError(t, err)
		assert.Equal(t, mustEncode(t, f), mustEncode(t, got))
	}
}
