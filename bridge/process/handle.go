package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/stdiosse/bridge/frame"
	"go.uber.org/zap"
)

const (
	// waitDelay bounds how long exit observation waits for output pipes held open by grandchildren.
	waitDelay = 2 * time.Second
	// maxStderrLine bounds a single logged stderr line.
	maxStderrLine = 64 * 1024
	// defaultStopGrace is how long Stop lets the process exit on its own after closing stdin.
	defaultStopGrace = 3 * time.Second
)

var ErrInvalidLine = errors.New("line contains a terminator")

type Config struct {
	Command string
	Args    []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string

	// Stdout receives the subprocess's stdout bytes, written from a single goroutine.
	Stdout io.Writer

	// WriteTimeout bounds how long a single WriteLine may wait on a full pipe. Zero means no bound.
	WriteTimeout time.Duration
}

// Handle owns one subprocess. It is created once and never restarted.
type Handle struct {
	log *zap.SugaredLogger
	cfg Config

	mut       sync.Mutex
	status    Status
	cmd       *exec.Cmd
	stdin     *os.File
	stdinOpen bool
	stderr    *stderrLogger
	startTime time.Time

	// writeSem is held by whoever is writing a line, so each line reaches the pipe whole.
	// It may outlive a WriteLine call while the rest of a slowly read line is written.
	writeSem chan struct{}

	done chan struct{}
}

func New(cfg Config, log *zap.SugaredLogger) *Handle {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	return &Handle{
		log:    log,
		cfg:    cfg,
		status: Status{State: Spawned},
		done:     make(chan struct{}),
		writeSem: make(chan struct{}, 1),
	}
}

// Spawn creates a handle and starts it. The handle is always returned;
// if the launch fails it is Crashed and the error is a *SpawnError.
func Spawn(cfg Config, log *zap.SugaredLogger) (*Handle, error) {
	h := New(cfg, log)
	return h, h.Start()
}

func (h *Handle) Start() error {
	h.mut.Lock()
	defer h.mut.Unlock()

	if h.status.State != Spawned {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(h.cfg.Command, h.cfg.Args...)
	cmd.Dir = h.cfg.Dir
	if len(h.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), h.cfg.Env...)
	}
	h.stderr = &stderrLogger{log: h.log.Named("stderr"), lines: frame.NewLineBuffer(maxStderrLine)}
	cmd.Stdout = h.cfg.Stdout
	cmd.Stderr = h.stderr
	cmd.WaitDelay = waitDelay

	// An *os.File stdin is handed to the child directly, and unlike exec's StdinPipe it
	// supports write deadlines.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return h.crashLocked(&SpawnError{Command: h.cfg.Command, Err: fmt.Errorf("creating stdin pipe: %w", err)})
	}
	cmd.Stdin = stdinR

	err = cmd.Start()
	stdinR.Close()
	if err != nil {
		stdinW.Close()
		return h.crashLocked(&SpawnError{Command: h.cfg.Command, Err: err})
	}

	h.cmd = cmd
	h.stdin = stdinW
	h.stdinOpen = true
	h.startTime = time.Now()
	h.status = Status{State: Running, PID: cmd.Process.Pid}
	h.log.Infow("process started", "PID", cmd.Process.Pid, "Command", h.cfg.Command, "Args", h.cfg.Args)

	go h.wait()
	return nil
}

func (h *Handle) crashLocked(err error) error {
	h.status = Status{State: Crashed, Err: err}
	close(h.done)
	h.log.Errorw("process failed to start", "Error", err)
	return err
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	elapsed := time.Since(h.startTime)
	h.stderr.flush()

	status := Status{PID: h.cmd.Process.Pid}
	ps := h.cmd.ProcessState
	if ps != nil && ps.ExitCode() >= 0 {
		status.State = Exited
		status.ExitCode = ps.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			h.log.Debugf("unexpected wait error after exit: %s", err)
		}
	} else {
		status.State = Crashed
		if err == nil {
			err = errors.New(ps.String())
		}
		status.Err = err
	}

	if status.State == Exited {
		h.log.Infow("process exited", "PID", status.PID, "ExitCode", status.ExitCode, "Runtime", elapsed)
	} else {
		h.log.Errorw("process crashed", "PID", status.PID, "Error", status.Err, "Runtime", elapsed)
	}

	h.mut.Lock()
	h.status = status
	h.closeStdinLocked()
	h.mut.Unlock()

	// closing stdin fails any write still in progress; wait for it to give the pipe back
	h.writeSem <- struct{}{}
	<-h.writeSem
	close(h.done)
}

func (h *Handle) closeStdinLocked() {
	if !h.stdinOpen {
		return
	}
	h.stdinOpen = false
	if err := h.stdin.Close(); err != nil {
		h.log.Debugf("error closing stdin: %s", err)
	}
}

// WriteLine writes line followed by a newline to the subprocess's stdin.
//
// With a WriteTimeout, a line that cannot start being written in time, because the subprocess is
// not reading or another line is still being written, fails with ErrNotWritable and leaves stdin
// open. Once part of a line is in the pipe the line is committed: the rest is written in the
// background without a deadline and WriteLine returns nil. Any other failure after a partial
// write closes stdin, since the stream can no longer be framed.
func (h *Handle) WriteLine(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return ErrInvalidLine
	}

	if !h.acquireWrite() {
		return fmt.Errorf("%w: timed out waiting for the previous line to be written", ErrNotWritable)
	}
	release := true
	defer func() {
		if release {
			<-h.writeSem
		}
	}()

	h.mut.Lock()
	if h.status.State != Running || !h.stdinOpen {
		state := h.status.State
		h.mut.Unlock()
		return fmt.Errorf("%w: process is %s", ErrNotWritable, state)
	}
	stdin := h.stdin
	h.mut.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if h.cfg.WriteTimeout > 0 {
		if err := stdin.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
			h.log.Debugf("unable to set stdin write deadline: %s", err)
		}
	}

	n, err := stdin.Write(buf)
	if err == nil {
		return nil
	}
	if n > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		if err := stdin.SetWriteDeadline(time.Time{}); err != nil {
			h.log.Debugf("unable to clear stdin write deadline: %s", err)
		}
		h.log.Warnw("process is reading slowly, finishing line in the background", "Written", n, "Total", len(buf))
		release = false
		go h.finishLine(stdin, buf[n:])
		return nil
	}
	if n > 0 {
		h.log.Warnw("partial write to stdin, closing it", "Written", n, "Total", len(buf), "Error", err)
		h.closeStdin()
	}
	return fmt.Errorf("%w: %s", ErrNotWritable, err)
}

func (h *Handle) acquireWrite() bool {
	if h.cfg.WriteTimeout <= 0 {
		h.writeSem <- struct{}{}
		return true
	}
	timer := time.NewTimer(h.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case h.writeSem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// finishLine writes the rest of a committed line and then releases the write lock.
func (h *Handle) finishLine(stdin *os.File, rest []byte) {
	defer func() { <-h.writeSem }()
	_, err := stdin.Write(rest)
	if err != nil {
		h.log.Warnw("unable to finish line, closing stdin", "Remaining", len(rest), "Error", err)
		h.closeStdin()
	}
}

func (h *Handle) closeStdin() {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.closeStdinLocked()
}

// Writable reports whether WriteLine would currently attempt a write.
func (h *Handle) Writable() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.status.State == Running && h.stdinOpen
}

func (h *Handle) Status() Status {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.status
}

// Done is closed once the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Stop closes stdin and waits for the subprocess to exit, killing it if it does not exit within
// the grace period or before ctx is done. It is a no-op unless the handle is Running.
func (h *Handle) Stop(ctx context.Context) error {
	h.mut.Lock()
	if h.status.State != Running {
		h.mut.Unlock()
		return nil
	}
	proc := h.cmd.Process
	h.closeStdinLocked()
	h.mut.Unlock()

	grace := time.NewTimer(stopGrace(ctx))
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	h.log.Debugw("killing process", "PID", proc.Pid)
	err := proc.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", proc.Pid, err)
	}
	<-h.done
	return nil
}

// stopGrace is how long Stop waits for an exit after closing stdin. At most half of ctx's
// remaining time is used, so the kill and its exit are still observed before ctx ends.
func stopGrace(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultStopGrace
	}
	if half := time.Until(deadline) / 2; half < defaultStopGrace {
		return half
	}
	return defaultStopGrace
}

// stderrLogger logs each stderr line. Nothing on stderr is treated as protocol data.
type stderrLogger struct {
	log   *zap.SugaredLogger
	mut   sync.Mutex
	lines *frame.LineBuffer
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := s.lines.Append(p); err != nil {
		s.log.Warnf("dropping stderr line: %s", err)
	}
	for {
		line, ok := s.lines.Next()
		if !ok {
			break
		}
		if len(line) > 0 {
			s.log.Info(string(line))
		}
	}
	return len(p), nil
}

// flush logs a trailing stderr line that was never terminated.
func (s *stderrLogger) flush() {
	s.Write([]byte{'\n'})
}
