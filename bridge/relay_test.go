package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/stdiosse/bridge/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingWriter struct {
	m     sync.Mutex
	lines []string
	err   error
}

func (w *recordingWriter) WriteLine(line []byte) error {
	w.m.Lock()
	defer w.m.Unlock()
	if w.err != nil {
		return w.err
	}
	w.lines = append(w.lines, string(line))
	return nil
}

func TestRelay(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		writeErr  error
		expResult Result
		expLines  []string
	}{
		{name: "compact object", body: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, expResult: Accepted, expLines: []string{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`}},
		{name: "pretty printed", body: "{\n  \"id\": 2,\n  \"params\": {\"q\": \"a\\nb\"}\n}\n", expResult: Accepted, expLines: []string{`{"id":2,"params":{"q":"a\nb"}}`}},
		{name: "not json", body: "not json", expResult: BadRequest},
		{name: "empty", body: "", expResult: BadRequest},
		{name: "two values", body: `{"id":1}{"id":2}`, expResult: BadRequest},
		{name: "not writable", body: `{"id":3}`, writeErr: process.ErrNotWritable, expResult: Unavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := &recordingWriter{err: c.writeErr}
			r := NewRelay(w, zaptest.NewLogger(t).Sugar())

			res, err := r.Relay([]byte(c.body))
			assert.Equal(t, c.expResult, res)
			if c.expResult == Accepted {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			if c.writeErr != nil {
				assert.ErrorIs(t, err, c.writeErr)
			}
			assert.Equal(t, c.expLines, w.lines)
		})
	}
}

func TestResultStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusAccepted, Accepted.StatusCode())
	assert.Equal(t, http.StatusBadRequest, BadRequest.StatusCode())
	assert.Equal(t, http.StatusInternalServerError, Unavailable.StatusCode())
}

func TestRelayOrdersLines(t *testing.T) {
	w := &recordingWriter{}
	r := NewRelay(w, zaptest.NewLogger(t).Sugar())

	for _, body := range []string{`{"id":1}`, `{"id":2}`} {
		res, err := r.Relay([]byte(body))
		require.NoError(t, err)
		require.Equal(t, Accepted, res)
	}
	require.Len(t, w.lines, 2)
	for i, line := range w.lines {
		var v map[string]int
		require.NoError(t, json.Unmarshal([]byte(line), &v))
		assert.Equal(t, i+1, v["id"])
		assert.NotContains(t, line, "\n")
	}
}

func TestRelayAfterExit(t *testing.T) {
	h, err := process.Spawn(process.Config{Command: "sh", Args: []string{"-c", "exit 0"}}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	r := NewRelay(h, zaptest.NewLogger(t).Sugar())
	res, err := r.Relay([]byte(`{"id":1}`))
	assert.Equal(t, Unavailable, res)
	assert.ErrorIs(t, err, process.ErrNotWritable)
}

func TestRelayAfterSpawnFailure(t *testing.T) {
	h, err := process.Spawn(process.Config{Command: "/nonexistent/stdiosse-test-binary"}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)

	r := NewRelay(h, zaptest.NewLogger(t).Sugar())
	res, _ := r.Relay([]byte(`{"id":1}`))
	assert.Equal(t, Unavailable, res)
}
