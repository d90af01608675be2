// Package frame reassembles newline-delimited JSON messages from a byte stream whose chunk
// boundaries have nothing to do with message boundaries.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/stdiosse/bridge/message"
)

const terminator = '\n'

var ErrLineTooLong = errors.New("line exceeds maximum size")

// ParseError is reported for a complete line that is not valid JSON.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing line %q: %s", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LineBuffer holds the bytes that follow the last terminator seen so far.
type LineBuffer struct {
	buf []byte
	// maxSize bounds the unterminated suffix, 0 means unbounded.
	maxSize int
	// discarding is set while skipping the rest of an oversize line.
	discarding bool
}

// NewLineBuffer returns a buffer holding at most maxSize unterminated bytes, 0 meaning unbounded.
func NewLineBuffer(maxSize int) *LineBuffer {
	return &LineBuffer{maxSize: maxSize}
}

// Append adds a chunk to the buffer.
// If a maximum size is set and the unterminated suffix grows past it, the suffix is dropped
// together with the rest of that line, and ErrLineTooLong is returned once for it.
func (b *LineBuffer) Append(chunk []byte) error {
	if b.discarding {
		i := bytes.IndexByte(chunk, terminator)
		if i < 0 {
			return nil
		}
		b.discarding = false
		chunk = chunk[i+1:]
	}
	b.buf = append(b.buf, chunk...)
	if b.maxSize > 0 && len(b.buf) > b.maxSize {
		last := bytes.LastIndexByte(b.buf, terminator)
		if len(b.buf)-(last+1) > b.maxSize {
			b.buf = b.buf[:last+1]
			b.discarding = true
			return ErrLineTooLong
		}
	}
	return nil
}

// Next splits the buffer at the first terminator and returns the line before it, trimmed of
// surrounding whitespace. ok is false when no complete line is buffered.
// The returned slice is only valid until the next Append.
func (b *LineBuffer) Next() (line []byte, ok bool) {
	i := bytes.IndexByte(b.buf, terminator)
	if i < 0 {
		return nil, false
	}
	line = bytes.TrimSpace(b.buf[:i])
	rest := b.buf[i+1:]
	if len(rest) == 0 {
		b.buf = b.buf[:0]
	} else {
		b.buf = append(make([]byte, 0, len(rest)), rest...)
	}
	return line, true
}

// Len is the number of buffered, unterminated bytes.
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

type Option func(f *Framer)

// WithMaxLineSize bounds how many unterminated bytes the framer holds.
func WithMaxLineSize(n int) Option {
	return func(f *Framer) {
		f.lines.maxSize = n
	}
}

// WithErrorHandler sets the function that receives *ParseError and ErrLineTooLong values.
func WithErrorHandler(h func(error)) Option {
	return func(f *Framer) {
		f.onError = h
	}
}

// Framer turns output chunks into Outbound messages.
// Handlers are called synchronously from Feed, in the order the lines were terminated.
type Framer struct {
	mut       sync.Mutex
	lines     LineBuffer
	onMessage func(message.Message)
	onError   func(error)
}

func New(onMessage func(message.Message), opts ...Option) *Framer {
	f := &Framer{
		onMessage: onMessage,
		onError:   func(error) {},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Framer) Feed(chunk []byte) {
	f.mut.Lock()
	defer f.mut.Unlock()

	if err := f.lines.Append(chunk); err != nil {
		f.onError(err)
	}
	for {
		line, ok := f.lines.Next()
		if !ok {
			return
		}
		if len(line) == 0 {
			continue
		}
		msg, err := message.Parse(line, message.Outbound)
		if err != nil {
			f.onError(&ParseError{Line: append([]byte(nil), line...), Err: err})
			continue
		}
		f.onMessage(msg)
	}
}

// Write feeds p to the framer. It never fails, so it can be used directly as a process's stdout.
func (f *Framer) Write(p []byte) (int, error) {
	f.Feed(p)
	return len(p), nil
}

// Buffered is the number of bytes received after the last terminator.
func (f *Framer) Buffered() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.lines.Len()
}
