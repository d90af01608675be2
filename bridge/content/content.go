// Package content rewrites the result content of outbound messages into a single readable text block.
//
// Servers answer with content in varying shapes: a string, an array of strings, an array of
// {"type":"text","text":...} objects, or arbitrary JSON. Downstream consumers expect one block of
// text, so every element is rendered to text, the pieces are joined with a blank line, and the
// whole thing is wrapped in a fenced block.
package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/guseggert/stdiosse/bridge/message"
)

const (
	fence     = "```"
	separator = "\n\n"
	indent    = "  "
)

// Item is one element of a content sequence. The set of implementations is closed.
type Item interface {
	Render() string
	item()
}

// Text is a string element. If the text is itself JSON it is rendered pretty-printed.
type Text string

// StructuredWithText is an object element carrying a string "text" attribute.
type StructuredWithText struct {
	Text string
}

// StructuredOpaque is any other JSON value, rendered pretty-printed.
type StructuredOpaque struct {
	Raw json.RawMessage
}

func (Text) item()               {}
func (StructuredWithText) item() {}
func (StructuredOpaque) item()   {}

func (t Text) Render() string {
	s := strings.TrimSpace(string(t))
	if s == "" || !json.Valid([]byte(s)) {
		return string(t)
	}
	return prettyJSON([]byte(s))
}

func (s StructuredWithText) Render() string { return s.Text }

func (s StructuredOpaque) Render() string { return prettyJSON(s.Raw) }

func prettyJSON(raw []byte) string {
	canonical, err := reencode(raw)
	if err != nil {
		return string(raw)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", indent); err != nil {
		return string(raw)
	}
	return buf.String()
}

// reencode rewrites a JSON value the way decoding it and encoding it again would, while keeping
// object keys in their original order. Numbers become float64 values (1e2 and 1.0 render as 100
// and 1, out of range numbers as null) and strings drop escapes they do not need.
func reencode(raw []byte) ([]byte, error) {
	type container struct {
		object bool
		n      int
	}
	var (
		buf   bytes.Buffer
		stack []container
	)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); ok && (d == '}' || d == ']') {
			buf.WriteByte(byte(d))
			stack = stack[:len(stack)-1]
			continue
		}

		if len(stack) > 0 {
			top := &stack[len(stack)-1]
			switch {
			case top.object && top.n%2 == 1:
				buf.WriteByte(':')
			case top.n > 0:
				buf.WriteByte(',')
			}
			top.n++
		}

		switch v := tok.(type) {
		case json.Delim:
			buf.WriteByte(byte(v))
			stack = append(stack, container{object: v == '{'})
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				buf.WriteString("null")
				continue
			}
			if f == 0 {
				// drops the sign of -0
				f = 0
			}
			b, err := marshal(f)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		case string:
			b, err := marshal(v)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		case bool:
			buf.WriteString(strconv.FormatBool(v))
		case nil:
			buf.WriteString("null")
		}
	}
	return buf.Bytes(), nil
}

// Classify maps a raw JSON element onto an Item.
func Classify(raw json.RawMessage) Item {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Text(s)
		}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err == nil && obj != nil {
		if textRaw, ok := obj["text"]; ok {
			var text string
			if err := json.Unmarshal(textRaw, &text); err == nil {
				return StructuredWithText{Text: text}
			}
		}
	}
	return StructuredOpaque{Raw: trimmed}
}

// Items coerces a content value to a sequence, wrapping anything but an array into one element.
func Items(raw json.RawMessage) []Item {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || elems == nil {
		return []Item{Classify(raw)}
	}
	items := make([]Item, 0, len(elems))
	for _, e := range elems {
		items = append(items, Classify(e))
	}
	return items
}

// Render joins the rendered items and wraps them in the fence.
func Render(items []Item) string {
	rendered := make([]string, len(items))
	for i, it := range items {
		rendered[i] = it.Render()
	}
	return fence + "\n" + strings.Join(rendered, separator) + "\n" + fence
}

// Normalize rewrites msg.result.content into a single fenced text block.
// ok is false, and msg is returned unchanged, when the message has no object result with
// non-empty content.
func Normalize(msg message.Message) (message.Message, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &top); err != nil || top == nil {
		return msg, false
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(top["result"], &result); err != nil || result == nil {
		return msg, false
	}
	content, ok := result["content"]
	if !ok || !truthy(content) {
		return msg, false
	}

	text, err := marshal(Render(Items(content)))
	if err != nil {
		return msg, false
	}
	result["content"] = text
	resultRaw, err := marshal(result)
	if err != nil {
		return msg, false
	}
	top["result"] = resultRaw
	raw, err := marshal(top)
	if err != nil {
		return msg, false
	}
	return message.Message{Direction: msg.Direction, Raw: raw}, true
}

// marshal is json.Marshal without HTML escaping, so rendered text keeps its <, > and &.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// truthy reports whether a JSON value counts as present: null, false, zero and "" do not.
func truthy(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	switch s {
	case "", "null", "false", `""`:
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0
	}
	return true
}
