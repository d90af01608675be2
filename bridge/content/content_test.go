package content

import (
	"encoding/json"
	"testing"

	"github.com/guseggert/stdiosse/bridge/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		exp  Item
	}{
		{name: "string", raw: `"hello"`, exp: Text("hello")},
		{name: "json in a string", raw: `"{\"x\":1}"`, exp: Text(`{"x":1}`)},
		{name: "text object", raw: `{"type":"text","text":"hi"}`, exp: StructuredWithText{Text: "hi"}},
		{name: "non-string text attribute", raw: `{"text":5}`, exp: StructuredOpaque{Raw: json.RawMessage(`{"text":5}`)}},
		{name: "object", raw: `{"a":[1,2]}`, exp: StructuredOpaque{Raw: json.RawMessage(`{"a":[1,2]}`)}},
		{name: "null", raw: `null`, exp: StructuredOpaque{Raw: json.RawMessage(`null`)}},
		{name: "number", raw: `3.5`, exp: StructuredOpaque{Raw: json.RawMessage(`3.5`)}},
		{name: "nested array", raw: `[1]`, exp: StructuredOpaque{Raw: json.RawMessage(`[1]`)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, Classify(json.RawMessage(c.raw)))
		})
	}
}

func TestRenderItems(t *testing.T) {
	cases := []struct {
		name string
		item Item
		exp  string
	}{
		{name: "plain text", item: Text("hello"), exp: "hello"},
		{name: "json text", item: Text(`{"x":1}`), exp: "{\n  \"x\": 1\n}"},
		{name: "json text with padding", item: Text(" [1,2] "), exp: "[\n  1,\n  2\n]"},
		{name: "blank text", item: Text("  "), exp: "  "},
		{name: "text attribute", item: StructuredWithText{Text: "from text"}, exp: "from text"},
		{name: "opaque", item: StructuredOpaque{Raw: json.RawMessage(`{"a":{"b":true}}`)}, exp: "{\n  \"a\": {\n    \"b\": true\n  }\n}"},
		{name: "number literals", item: StructuredOpaque{Raw: json.RawMessage(`[1e2,1.0,-0,2.50,1e400]`)}, exp: "[\n  100,\n  1,\n  0,\n  2.5,\n  null\n]"},
		{name: "string escapes", item: StructuredOpaque{Raw: json.RawMessage(`{"s":"\u0041\/<b>"}`)}, exp: "{\n  \"s\": \"A/<b>\"\n}"},
		{name: "key order kept", item: StructuredOpaque{Raw: json.RawMessage(`{"z":1,"a":{"y":null,"b":[]},"m":{}}`)}, exp: "{\n  \"z\": 1,\n  \"a\": {\n    \"y\": null,\n    \"b\": []\n  },\n  \"m\": {}\n}"},
		{name: "json text literals", item: Text(`{"n":1E+1}`), exp: "{\n  \"n\": 10\n}"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, c.item.Render())
		})
	}
}

func resultContent(t *testing.T, m message.Message) any {
	t.Helper()
	var decoded struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(m.Raw, &decoded))
	return decoded.Result["content"]
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		expChanged bool
		expContent any
	}{
		{
			name:       "strings and json strings",
			raw:        `{"jsonrpc":"2.0","id":1,"result":{"content":["hello","{\"x\":1}"]}}`,
			expChanged: true,
			expContent: "```\nhello\n\n{\n  \"x\": 1\n}\n```",
		},
		{
			name:       "text objects",
			raw:        `{"id":2,"result":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`,
			expChanged: true,
			expContent: "```\na\n\nb\n```",
		},
		{
			name:       "bare scalar",
			raw:        `{"id":3,"result":{"content":"just <text> & more"}}`,
			expChanged: true,
			expContent: "```\njust <text> & more\n```",
		},
		{
			name:       "bare object",
			raw:        `{"id":4,"result":{"content":{"rows":[]}}}`,
			expChanged: true,
			expContent: "```\n{\n  \"rows\": []\n}\n```",
		},
		{
			name:       "empty array",
			raw:        `{"id":5,"result":{"content":[]}}`,
			expChanged: true,
			expContent: "```\n\n```",
		},
		{
			name:       "null element",
			raw:        `{"id":6,"result":{"content":[null,"x"]}}`,
			expChanged: true,
			expContent: "```\nnull\n\nx\n```",
		},
		{name: "no content", raw: `{"id":7,"result":{"tools":[]}}`},
		{name: "null content", raw: `{"id":8,"result":{"content":null}}`},
		{name: "empty string content", raw: `{"id":9,"result":{"content":""}}`},
		{name: "zero content", raw: `{"id":10,"result":{"content":0}}`},
		{name: "no result", raw: `{"jsonrpc":"2.0","method":"notifications/progress"}`},
		{name: "scalar result", raw: `{"id":11,"result":"ok"}`},
		{name: "not an object", raw: `[1,2,3]`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in, err := message.Parse([]byte(c.raw), message.Outbound)
			require.NoError(t, err)

			out, changed := Normalize(in)
			assert.Equal(t, c.expChanged, changed)
			if !c.expChanged {
				assert.Equal(t, in, out)
				return
			}
			assert.Equal(t, message.Outbound, out.Direction)
			assert.True(t, json.Valid(out.Raw))
			assert.Equal(t, c.expContent, resultContent(t, out))
		})
	}
}

func TestNormalizeKeepsOtherFields(t *testing.T) {
	in, err := message.Parse([]byte(`{"jsonrpc":"2.0","id":"abc","result":{"isError":false,"content":["x"]}}`), message.Outbound)
	require.NoError(t, err)

	out, changed := Normalize(in)
	require.True(t, changed)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Raw, &decoded))
	assert.Equal(t, "2.0", decoded["jsonrpc"])
	assert.Equal(t, "abc", decoded["id"])
	assert.Equal(t, false, decoded["result"].(map[string]any)["isError"])
}
