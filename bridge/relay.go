package bridge

import (
	"fmt"
	"net/http"

	"github.com/guseggert/stdiosse/bridge/message"
	"go.uber.org/zap"
)

// LineWriter writes one complete line to the subprocess.
type LineWriter interface {
	WriteLine(line []byte) error
}

type Result int

const (
	Accepted Result = iota
	BadRequest
	Unavailable
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case BadRequest:
		return "bad request"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// StatusCode is the HTTP status a relay result is reported with.
func (r Result) StatusCode() int {
	switch r {
	case Accepted:
		return http.StatusAccepted
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Relay forwards client messages to the subprocess, one input line per call.
type Relay struct {
	w   LineWriter
	log *zap.SugaredLogger
}

func NewRelay(w LineWriter, log *zap.SugaredLogger) *Relay {
	return &Relay{w: w, log: log}
}

// Relay validates body as JSON, re-encodes it on a single line and writes it.
// Invalid JSON is rejected before anything is written.
func (r *Relay) Relay(body []byte) (Result, error) {
	m, err := message.Parse(body, message.Inbound)
	if err != nil {
		return BadRequest, err
	}
	line, err := m.Compact()
	if err != nil {
		return BadRequest, err
	}
	err = r.w.WriteLine(line)
	if err != nil {
		r.log.Warnw("unable to write message to process", "Error", err)
		return Unavailable, fmt.Errorf("writing to process: %w", err)
	}
	r.log.Debugw("relayed message", "Bytes", len(line))
	return Accepted, nil
}
