package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrUnexpectedStatus is returned when the bridge answers with a status the client did not expect.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// Client talks to a running bridge over HTTP.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
	// sendClient retries only failures that happen before a request is written, since a message
	// that reached the bridge may already have been relayed.
	sendClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration

	// streamClient is not retried and has no timeout, since streams are long-lived.
	streamClient *http.Client
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient returns a client for the bridge at baseURL, e.g. "http://127.0.0.1:8808".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("bridge_client"),
		baseURL:      strings.TrimRight(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.HTTPClient = c.newRetryClient(func(err error) bool { return err != nil })
	c.sendClient = c.newRetryClient(isDialError)
	return c
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) newRetryClient(retryable func(error) bool) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	// A rejected message is an answer, not a transient failure, so only connection errors are retried.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return retryable(err), nil
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	return retryClient.StandardClient()
}

func readErrorBody(resp *http.Response) string {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading body: %w", err).Error()
	}
	return strings.TrimSpace(string(b))
}

// Send posts one message to the bridge. body must be a single JSON value.
func (c *Client) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.sendClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending message over HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w %d when sending message: %s", ErrUnexpectedStatus, resp.StatusCode, readErrorBody(resp))
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var status StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return status, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("%w %d when getting status: %s", ErrUnexpectedStatus, resp.StatusCode, readErrorBody(resp))
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return status, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

// WaitForServer polls the status endpoint until the bridge answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status error: %s", err)
		}
	}
}

// Event is one server-sent event.
type Event struct {
	Event string
	Data  string
}

// Stream is an open event stream from the bridge.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Stream opens the bridge's event stream. The first event is normally the "endpoint" event.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w %d when opening stream: %s", ErrUnexpectedStatus, resp.StatusCode, readErrorBody(resp))
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxBodySize)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next blocks until the next event arrives. It returns io.EOF when the stream ends.
func (s *Stream) Next() (Event, error) {
	var ev Event
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if ev.Event == "" && len(data) == 0 {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}
