package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/stdiosse/bridge/content"
	"github.com/guseggert/stdiosse/bridge/frame"
	"github.com/guseggert/stdiosse/bridge/message"
	"github.com/guseggert/stdiosse/bridge/process"
	"github.com/guseggert/stdiosse/bridge/session"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	DefaultListenAddr  = "0.0.0.0:8808"
	DefaultMaxBodySize = 4 << 20
)

// Bridge connects a line-oriented JSON-RPC subprocess to HTTP streaming clients.
// Every line the subprocess prints is broadcast to all connected sessions, and every
// message POSTed to /message is written to the subprocess as one line.
type Bridge struct {
	log *zap.SugaredLogger

	listenAddr  string
	queueSize   int
	keepAlive   time.Duration
	normalize   bool
	maxBodySize int64
	maxLineSize int
	corsOrigins []string
	limiter     *rate.Limiter

	proc     *process.Handle
	framer   *frame.Framer
	registry *session.Registry
	relay    *Relay

	httpServer *http.Server

	// wg tracks handler and watcher goroutines so Stop can wait for them.
	wg      sync.WaitGroup
	mut     sync.Mutex
	stopped bool
	closed  chan struct{}
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.log = b.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithListenAddr(s string) Option {
	return func(b *Bridge) {
		b.listenAddr = s
	}
}

// WithQueueSize sets how many messages each session may have pending before it is dropped as too slow.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		b.queueSize = n
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(b *Bridge) {
		b.keepAlive = d
	}
}

// WithNormalize toggles rewriting of result.content into a single fenced text block.
func WithNormalize(enabled bool) Option {
	return func(b *Bridge) {
		b.normalize = enabled
	}
}

func WithMaxBodySize(n int64) Option {
	return func(b *Bridge) {
		b.maxBodySize = n
	}
}

// WithMaxLineSize bounds a single line of subprocess output. Zero means unbounded.
func WithMaxLineSize(n int) Option {
	return func(b *Bridge) {
		b.maxLineSize = n
	}
}

// WithCORSOrigins sets the origins allowed to call the bridge from a browser. "*" allows any origin.
func WithCORSOrigins(origins ...string) Option {
	return func(b *Bridge) {
		b.corsOrigins = origins
	}
}

// WithRelayRateLimit limits relayed messages across all clients. Messages over the limit are rejected with 429.
func WithRelayRateLimit(r rate.Limit, burst int) Option {
	return func(b *Bridge) {
		b.limiter = rate.NewLimiter(r, burst)
	}
}

// New constructs a bridge for the subprocess described by procCfg.
// The subprocess is not started until StartProcess is called.
func New(procCfg process.Config, opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		log:         logger.Named("bridge").Sugar(),
		listenAddr:  DefaultListenAddr,
		keepAlive:   30 * time.Second,
		normalize:   true,
		maxBodySize: DefaultMaxBodySize,
		corsOrigins: []string{"*"},
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	b.framer = frame.New(
		b.dispatch,
		frame.WithMaxLineSize(b.maxLineSize),
		frame.WithErrorHandler(func(err error) {
			b.log.Warnw("dropping process output line", "Error", err)
		}),
	)
	procCfg.Stdout = b.framer
	b.proc = process.New(procCfg, b.log.Named("process"))
	b.registry = session.NewRegistry(b.log.Named("registry"))
	b.relay = NewRelay(b.proc, b.log.Named("relay"))

	b.httpServer = &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b, nil
}

// dispatch runs on the subprocess's stdout goroutine, so messages are broadcast in output order.
func (b *Bridge) dispatch(m message.Message) {
	if b.normalize {
		if normalized, ok := content.Normalize(m); ok {
			m = normalized
		}
	}
	n := b.registry.Broadcast(m)
	b.log.Debugw("broadcast message", "Sessions", n, "Bytes", len(m.Raw))
}

// StartProcess launches the subprocess.
// A launch failure is returned, but the bridge keeps serving; relays then fail as unavailable.
func (b *Bridge) StartProcess() error {
	err := b.proc.Start()
	if err != nil {
		b.log.Errorw("unable to start process", "Error", err)
		return err
	}
	b.log.Infow("started process", "PID", b.proc.Status().PID)
	if b.acquire() {
		go b.watchProcess()
	}
	return nil
}

// acquire registers a goroutine with the bridge, returning false once the bridge is stopping.
func (b *Bridge) acquire() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Bridge) watchProcess() {
	defer b.wg.Done()
	select {
	case <-b.closed:
		return
	case <-b.proc.Done():
	}
	st := b.proc.Status()
	b.log.Warnw("process is no longer running, messages can no longer be relayed", "State", st.State, "ExitCode", st.ExitCode, "Error", st.Err)
	if n := b.framer.Buffered(); n > 0 {
		b.log.Warnw("process exited with an unterminated line", "Bytes", n)
	}
}

// Process returns the status of the subprocess.
func (b *Bridge) Process() process.Status {
	return b.proc.Status()
}

func (b *Bridge) Sessions() int {
	return b.registry.Len()
}

func (b *Bridge) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/stream", b.stream)
	router.GET("/sse", b.stream)
	router.GET("/ws", b.ws)
	router.POST("/message", b.postMessage)
	router.GET("/status", b.status)

	return cors.New(cors.Options{
		AllowedOrigins: b.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(router)
}

// Run listens on the configured address and serves until Stop is called.
func (b *Bridge) Run() error {
	l, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return b.Serve(l)
}

func (b *Bridge) Serve(l net.Listener) error {
	b.log.Infow("serving", "Addr", l.Addr().String())
	err := b.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every session and the HTTP server, then stops the subprocess,
// killing it if it has not exited when ctx is done.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mut.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.closed)
	}
	b.mut.Unlock()

	for _, s := range b.registry.Snapshot() {
		b.registry.Deregister(s.ID())
	}

	var errs []error
	if err := b.httpServer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing HTTP server: %w", err))
	}
	if err := b.proc.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping process: %w", err))
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	default:
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for sessions to end: %w", ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) stream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !b.acquire() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer b.wg.Done()

	id := uuid.NewString()
	log := b.log.Named("sse").With("Session", id)
	s := session.NewSSESession(
		id,
		"/message?sessionId="+url.QueryEscape(id),
		log,
		session.WithQueueSize(b.queueSize),
		session.WithKeepAlive(b.keepAlive),
	)
	if err := b.registry.Register(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.registry.Deregister(id)

	log.Infow("client connected", "Remote", r.RemoteAddr)
	err := s.Serve(r.Context(), w)
	if errors.Is(err, session.ErrStreamingUnsupported) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err != nil {
		log.Debugw("stream ended", "Error", err)
	}
	log.Info("client disconnected")
}

func (b *Bridge) ws(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !b.acquire() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer b.wg.Done()

	conn, err := websocket.Accept(w, r, b.acceptOptions())
	if err != nil {
		b.log.Debugf("WebSocket accept error: %s", err)
		return
	}
	// a frame is one message, held to the same limit as a POSTed body
	conn.SetReadLimit(b.maxBodySize)

	id := uuid.NewString()
	log := b.log.Named("ws").With("Session", id)
	s := session.NewWSSession(id, conn, func(ctx context.Context, body []byte) {
		if b.limiter != nil && !b.limiter.Allow() {
			log.Warn("dropping inbound message over the relay rate limit")
			return
		}
		res, err := b.relay.Relay(body)
		if err != nil {
			log.Warnw("unable to relay inbound message", "Result", res, "Error", err)
		}
	}, b.queueSize, log)
	if err := b.registry.Register(s); err != nil {
		conn.Close(websocket.StatusInternalError, "registering session")
		return
	}
	defer b.registry.Deregister(id)

	log.Infow("client connected", "Remote", r.RemoteAddr)
	err = s.Serve(r.Context())
	if err != nil {
		log.Debugw("session ended", "Error", err)
	}
	log.Info("client disconnected")
}

func (b *Bridge) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, o := range b.corsOrigins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		u, err := url.Parse(o)
		if err == nil && u.Host != "" {
			o = u.Host
		}
		opts.OriginPatterns = append(opts.OriginPatterns, o)
	}
	return opts
}

func (b *Bridge) postMessage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if b.limiter != nil && !b.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := b.relay.Relay(body)
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		b.log.Debugw("relaying message", "Session", sessionID, "Result", res)
	}
	switch res {
	case Accepted:
		w.WriteHeader(http.StatusAccepted)
	case BadRequest:
		http.Error(w, fmt.Sprintf("invalid JSON: %s", err), res.StatusCode())
	default:
		http.Error(w, "process input closed", res.StatusCode())
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State    string
	PID      int
	ExitCode int
	Error    string `json:",omitempty"`
	Writable bool
	Sessions int
}

func (b *Bridge) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st := b.proc.Status()
	resp := StatusResponse{
		State:    st.State.String(),
		PID:      st.PID,
		ExitCode: st.ExitCode,
		Writable: b.proc.Writable(),
		Sessions: b.registry.Len(),
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	b2, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b2)
}
