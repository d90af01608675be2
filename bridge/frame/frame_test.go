package frame

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/guseggert/stdiosse/bridge/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	msgs []string
	errs []error
}

func (c *collector) framer(opts ...Option) *Framer {
	opts = append(opts, WithErrorHandler(func(err error) { c.errs = append(c.errs, err) }))
	return New(func(m message.Message) {
		c.msgs = append(c.msgs, string(m.Raw))
	}, opts...)
}

func TestFramer(t *testing.T) {
	cases := []struct {
		name    string
		chunks  []string
		expMsgs []string
		expErrs int
	}{
		{
			name:    "one line one chunk",
			chunks:  []string{"{\"id\":1}\n"},
			expMsgs: []string{`{"id":1}`},
		},
		{
			name:    "many lines one chunk",
			chunks:  []string{"{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n"},
			expMsgs: []string{`{"id":1}`, `{"id":2}`, `{"id":3}`},
		},
		{
			name:    "one line many chunks",
			chunks:  []string{`{"jsonrpc":`, `"2.0","id"`, ":7}", "\n"},
			expMsgs: []string{`{"jsonrpc":"2.0","id":7}`},
		},
		{
			name:    "unterminated tail is held",
			chunks:  []string{"{\"id\":1}\n{\"id\":"},
			expMsgs: []string{`{"id":1}`},
		},
		{
			name:    "blank lines and CRLF",
			chunks:  []string{"\n\n  {\"id\":1}\r\n\n"},
			expMsgs: []string{`{"id":1}`},
		},
		{
			name:    "bad line does not affect neighbors",
			chunks:  []string{"{\"id\":1}\nnot json\n", "{\"id\":2}\n"},
			expMsgs: []string{`{"id":1}`, `{"id":2}`},
			expErrs: 1,
		},
		{
			name:    "escaped newline inside a string",
			chunks:  []string{`{"text":"a\nb"}` + "\n"},
			expMsgs: []string{`{"text":"a\nb"}`},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			col := &collector{}
			f := col.framer()
			for _, chunk := range c.chunks {
				n, err := f.Write([]byte(chunk))
				require.NoError(t, err)
				require.Equal(t, len(chunk), n)
			}
			assert.Equal(t, c.expMsgs, col.msgs)
			assert.Len(t, col.errs, c.expErrs)
		})
	}
}

func TestFramerParseErrorCarriesLine(t *testing.T) {
	col := &collector{}
	col.framer().Feed([]byte("  nope \n"))

	require.Len(t, col.errs, 1)
	var parseErr *ParseError
	require.True(t, errors.As(col.errs[0], &parseErr))
	assert.Equal(t, "nope", string(parseErr.Line))
	assert.ErrorIs(t, parseErr, message.ErrInvalidJSON)
}

// Every way of splitting the stream into two or three chunks yields the same messages.
func TestFramerSplitInvariance(t *testing.T) {
	var lines []string
	for i := 0; i < 4; i++ {
		b, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": i, "result": strings.Repeat("x", i*3)})
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	stream := strings.Join(lines, "\n") + "\n"

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j += 7 {
			col := &collector{}
			f := col.framer()
			f.Feed([]byte(stream[:i]))
			f.Feed([]byte(stream[i:j]))
			f.Feed([]byte(stream[j:]))
			require.Equal(t, lines, col.msgs, "split at %d and %d", i, j)
			require.Empty(t, col.errs)
			require.Equal(t, 0, f.Buffered())
		}
	}

	// byte at a time
	col := &collector{}
	f := col.framer()
	for i := 0; i < len(stream); i++ {
		f.Feed([]byte{stream[i]})
	}
	assert.Equal(t, lines, col.msgs)
}

func TestFramerBuffered(t *testing.T) {
	col := &collector{}
	f := col.framer()
	f.Feed([]byte("{\"id\":1}\n{\"id\""))
	assert.Equal(t, len(`{"id"`), f.Buffered())
	f.Feed([]byte(":2}\n"))
	assert.Equal(t, 0, f.Buffered())
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, col.msgs)
}

func TestFramerMaxLineSize(t *testing.T) {
	col := &collector{}
	f := col.framer(WithMaxLineSize(16))

	f.Feed([]byte("{\"id\":1}\n{\"data\":\"" + strings.Repeat("x", 20)))
	f.Feed([]byte(strings.Repeat("y", 40)))
	f.Feed([]byte("\"}\n{\"id\":2}\n"))

	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, col.msgs)
	require.Len(t, col.errs, 1)
	assert.ErrorIs(t, col.errs[0], ErrLineTooLong)
}

func TestLineBuffer(t *testing.T) {
	var b LineBuffer
	require.NoError(t, b.Append([]byte("a\nb")))

	line, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "a", string(line))

	_, ok = b.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Append([]byte(" \n")))
	line, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, "b", string(line))
	assert.Equal(t, 0, b.Len())
}
