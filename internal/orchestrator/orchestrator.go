// Package orchestrator owns the single logical connection between the
// dictation client and the transcription backend.
//
// An [Orchestrator] is a state machine driven by one event loop ([Run]).
// User commands, socket callbacks, timers and heartbeat results are all
// posted to that loop and processed strictly in arrival order; the loop is
// the only code that mutates connection state and the only writer of hello,
// audio and end-of-stream frames. Audio capture runs independently: Capture
// appends to a bounded buffer (the handshake cage) that the loop flushes only
// once the server has acknowledged the hello.
//
// Lifecycle:
//
//	Disconnected → Connecting → AwaitingHandshakeAck → Ready
//	AwaitingHandshakeAck/Ready → Reconnecting (timeout, transport loss)
//	AwaitingHandshakeAck/Ready → Banned (policy-violation close) → Disconnected
//	Ready → Disconnected (idle)
//	any → Closing → Disconnected (user disconnect)
//
// Fatal faults (config, version rejected, repeated auth failure) latch the
// orchestrator in Disconnected until [Orchestrator.Reset].
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/scribelink/internal/audiobuf"
	"github.com/MrWong99/scribelink/internal/backoff"
	"github.com/MrWong99/scribelink/internal/ban"
	"github.com/MrWong99/scribelink/internal/credential"
	"github.com/MrWong99/scribelink/internal/dispatch"
	"github.com/MrWong99/scribelink/internal/endpoint"
	"github.com/MrWong99/scribelink/internal/heartbeat"
	"github.com/MrWong99/scribelink/internal/observe"
	"github.com/MrWong99/scribelink/internal/protocol"
	"github.com/MrWong99/scribelink/internal/sanitize"
	"github.com/MrWong99/scribelink/internal/version"
)

// readLimit bounds a single inbound message.
const readLimit = 1 << 20

// ─── Internal events ─────────────────────────────────────────────────────────

type event any

type (
	evConnect      struct{}
	evDisconnect   struct{}
	evCaptureStart struct{}
	evCaptureStop  struct{}
	evReset        struct{}
	evFatal        struct{ fault *Fault }

	evDialed struct {
		gen     uint64
		conn    *websocket.Conn
		token   credential.Token
		err     error
		credErr error
	}
	evMessage struct {
		gen uint64
		msg protocol.Inbound
	}
	evClosed struct {
		gen    uint64
		code   int
		reason string
		err    error
	}
	evCloseDone     struct{ gen uint64 }
	evHeartbeatLost struct{ gen uint64 }
	evBanExpired    struct{ seq uint64 }
	evTimer         struct {
		kind timerKind
		seq  uint64
	}
)

type timerKind int

const (
	timerHandshake timerKind = iota
	timerIdle
	timerRetry
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerHandshake:
		return "handshake"
	case timerIdle:
		return "idle"
	default:
		return "retry"
	}
}

// socket is one WebSocket connection and its reader.
type socket struct {
	gen    uint64
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// ─── Orchestrator ────────────────────────────────────────────────────────────

// Orchestrator is the connection state machine. Create one per process with
// [New] and drive it with [Orchestrator.Run].
type Orchestrator struct {
	cfg        Config
	target     endpoint.Target
	validator  *endpoint.Validator
	creds      credential.Provider
	metrics    *observe.Metrics
	httpClient *http.Client
	bans       *ban.Tracker
	backoff    *backoff.Controller
	dispatcher *dispatch.Dispatcher

	gateMu sync.Mutex
	gate   *version.Gate

	events chan event
	quit   chan struct{}
	done   chan struct{}

	lifeMu   sync.Mutex
	started  bool
	quitOnce sync.Once
	doneOnce sync.Once

	state     atomic.Int32
	latched   atomic.Bool
	capturing atomic.Bool
	seq       atomic.Uint64

	bufMu sync.Mutex
	buf   *audiobuf.Buffer

	stateEvents *hub[Event]

	// Everything below is owned by the event loop.
	ctx            context.Context
	gen            uint64
	sock           *socket
	hb             *heartbeat.Monitor
	timers         [numTimers]*time.Timer
	timerSeq       [numTimers]uint64
	banSeq         uint64
	wantConnect    bool
	pendingConnect bool
	stopPending    bool
	flushed        bool
	refreshNext    bool
	authRetried    bool
	pendingPolicy  *dispatch.Error
	fatal          *Fault
	attemptID      string
	hsStart        time.Time
	hsSpan         trace.Span
	log            *slog.Logger
}

// New validates the endpoint and builds an idle orchestrator. It opens no
// connection. An invalid endpoint yields a fatal [FaultConfig].
func New(ctx context.Context, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		events:      make(chan event, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		stateEvents: newHub[Event]("events"),
		dispatcher:  dispatch.New(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.creds == nil {
		return nil, ErrMissingCredentials
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.httpClient == nil {
		o.httpClient = http.DefaultClient
	}
	if o.validator == nil {
		o.validator = endpoint.NewValidator()
	}
	if !cfg.BufferPolicy.IsValid() {
		return nil, &Fault{Kind: FaultConfig, Fatal: true, Err: fmt.Errorf("invalid buffer policy %q", cfg.BufferPolicy)}
	}

	target, err := o.validator.Resolve(ctx, cfg.Endpoint)
	if err != nil {
		return nil, &Fault{Kind: FaultConfig, Fatal: true, Err: err}
	}
	o.target = target

	if o.gate, err = version.NewGate(cfg.ClientVersion); err != nil {
		return nil, &Fault{Kind: FaultConfig, Fatal: true, Err: err}
	}

	o.bans = ban.NewTracker(ban.Config{DefaultCooldown: cfg.BanCooldown, Tick: cfg.BanTick})
	o.backoff = backoff.New(cfg.Backoff)
	o.registerRoutes()
	o.state.Store(int32(Disconnected))

	slog.Info("orchestrator: endpoint validated",
		"endpoint", target.String(),
		"class", target.Class,
		"client_version", o.gate.Local(),
		"incognito", cfg.Incognito,
	)
	return o, nil
}

// registerRoutes wires server error kinds to their consumers.
func (o *Orchestrator) registerRoutes() {
	o.dispatcher.Register(dispatch.KindPolicyViolation, func(e dispatch.Error) {
		o.pendingPolicy = &e
	})
	o.dispatcher.Register(dispatch.KindAuthFailed, o.onAuthFailed)
	notice := func(e dispatch.Error) {
		o.publishNotice(e.Kind.String() + ": " + e.Message)
	}
	o.dispatcher.Register(dispatch.KindNoAudio, notice)
	o.dispatcher.Register(dispatch.KindModelLoading, notice)
	o.dispatcher.Fallback(func(e dispatch.Error) {
		o.log.Warn("orchestrator: unrecognised server error", "code", e.Code, "raw", e.Raw)
		o.publishNotice("server error " + e.Code)
	})
}

// Target returns the validated endpoint.
func (o *Orchestrator) Target() endpoint.Target { return o.target }

// State returns the current connection state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Subscribe returns a stream of transitions, faults, notices and transcripts
// and a function that ends the subscription. The channel is closed when the
// orchestrator shuts down. Slow consumers lose events rather than stalling
// the connection.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.stateEvents.subscribe()
}

// BanCountdown returns the remaining cooldown, published once per tick while
// banned and 0 on expiry.
func (o *Orchestrator) BanCountdown() (<-chan time.Duration, func()) {
	return o.bans.Subscribe()
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	State          string `json:"state"`
	Endpoint       string `json:"endpoint"`
	EndpointClass  string `json:"endpoint_class"`
	Secure         bool   `json:"secure"`
	Capturing      bool   `json:"capturing"`
	FatalLatched   bool   `json:"fatal_latched"`
	BanReason      string `json:"ban_reason,omitempty"`
	BanRemaining   string `json:"ban_remaining,omitempty"`
	BufferedFrames int    `json:"buffered_frames"`
	BufferedBytes  int    `json:"buffered_bytes"`
	DroppedFrames  uint64 `json:"dropped_frames"`
	BackoffAttempt int    `json:"backoff_attempt"`
	BackoffDelay   string `json:"backoff_delay,omitempty"`
}

// Snapshot returns the current status. Safe to call from any goroutine.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		State:         o.State().String(),
		Endpoint:      o.target.String(),
		EndpointClass: o.target.Class.String(),
		Secure:        o.target.Secure(),
		Capturing:     o.capturing.Load(),
		FatalLatched:  o.latched.Load(),
	}
	if rec, ok := o.bans.Active(); ok {
		s.BanReason = rec.Reason
		s.BanRemaining = rec.Remaining(time.Now()).Round(time.Second).String()
	}
	if bo := o.backoff.Snapshot(); bo.Attempt > 0 {
		s.BackoffAttempt = bo.Attempt
		s.BackoffDelay = bo.Current.String()
	}
	if buf := o.buffer(); buf != nil {
		s.BufferedFrames = buf.Len()
		s.BufferedBytes = buf.Size()
		s.DroppedFrames = buf.Dropped()
	}
	return s
}

// Healthy returns an error while the orchestrator cannot connect on its own:
// after Close, with a fatal fault latched, or during a ban.
func (o *Orchestrator) Healthy() error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	if o.latched.Load() {
		return errors.New("orchestrator: fatal fault latched")
	}
	return o.bans.Allow()
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Connect requests a connection. It fails fast while a ban or a fatal fault
// is active; otherwise the result is reported through [Orchestrator.Subscribe].
func (o *Orchestrator) Connect() error {
	if err := o.bans.Allow(); err != nil {
		return err
	}
	if o.latched.Load() {
		return errors.New("orchestrator: fatal fault latched, call Reset first")
	}
	return o.post(evConnect{})
}

// StartCapture marks capture as active and wakes the connection. Frames may
// be passed to Capture immediately; they are held until the server has
// acknowledged the handshake.
func (o *Orchestrator) StartCapture() error {
	o.capturing.Store(true)
	o.ensureBuffer()
	return o.post(evCaptureStart{})
}

// Capture appends one audio frame. payload is copied. It never blocks on the
// network; when the buffer is full the overflow policy applies and the
// returned pressure describes what was lost.
func (o *Orchestrator) Capture(payload []byte, at time.Time) (audiobuf.Pressure, error) {
	if !o.capturing.Load() {
		return audiobuf.Pressure{}, ErrNotCapturing
	}
	buf := o.buffer()
	if buf == nil {
		return audiobuf.Pressure{}, ErrNoSession
	}

	f := audiobuf.Frame{Seq: o.seq.Add(1), Payload: bytes.Clone(payload), CapturedAt: at}
	p, err := buf.Enqueue(f)
	if errors.Is(err, audiobuf.ErrClosed) {
		return p, ErrNoSession
	}
	if err == nil {
		o.metrics.FramesBuffered.Add(context.Background(), 1)
	}
	if p.Overrun() {
		lost := max(p.Dropped, 1)
		o.metrics.BufferDrops.Add(context.Background(), int64(lost))
		o.metrics.RecordFault(context.Background(), FaultBufferOverrun.String())
		slog.Warn("orchestrator: audio buffer overrun, quality degraded",
			"dropped", p.Dropped,
			"dropped_bytes", p.DroppedBytes,
			"rejected", p.Rejected,
			"fill", p.Fill,
		)
		o.stateEvents.publish(Event{
			Kind:     EventFault,
			At:       time.Now(),
			Fault:    &Fault{Kind: FaultBufferOverrun, State: o.State(), Err: fmt.Errorf("%d frames dropped", lost)},
			Pressure: p,
		})
	}
	return p, err
}

// StopCapture ends capture. Buffered audio is still delivered, followed by an
// end-of-stream marker.
func (o *Orchestrator) StopCapture() error {
	o.capturing.Store(false)
	return o.post(evCaptureStop{})
}

// Disconnect closes the connection, cancels every pending timer and discards
// buffered audio. An active ban stays enforced.
func (o *Orchestrator) Disconnect() error {
	o.capturing.Store(false)
	if n := o.detachBuffer(); n > 0 {
		slog.Debug("orchestrator: purged buffered audio on disconnect", "frames", n)
	}
	return o.post(evDisconnect{})
}

// Reset clears a latched fatal fault so Connect is accepted again.
func (o *Orchestrator) Reset() error {
	return o.post(evReset{})
}

// ApplyDiscovery feeds version thresholds from a pre-flight response into
// the handshake gate. A minimum above the local version latches a fatal
// [FaultVersionRejected] and is returned.
func (o *Orchestrator) ApplyDiscovery(d endpoint.Discovery) error {
	o.gateMu.Lock()
	if err := o.gate.Observe(d.MinClientVersion, d.SecClientVersion); err != nil {
		slog.Warn("orchestrator: ignoring malformed discovery versions", "err", err)
	}
	verdict, err := o.gate.Check()
	o.gateMu.Unlock()

	if err != nil {
		f := &Fault{Kind: FaultVersionRejected, Fatal: true, State: o.State(), Err: err}
		o.latched.Store(true)
		_ = o.post(evFatal{fault: f})
		return f
	}
	if verdict.Advisory != "" {
		slog.Warn("orchestrator: upgrade recommended", "advisory", verdict.Advisory)
		o.publishNotice(verdict.Advisory)
	}
	return nil
}

// Preflight queries the server health endpoint and applies its version
// thresholds.
func (o *Orchestrator) Preflight(ctx context.Context) (endpoint.Discovery, error) {
	d, err := endpoint.Preflight(ctx, o.httpClient, o.target)
	if err != nil {
		return endpoint.Discovery{}, err
	}
	slog.Info("orchestrator: server healthy", "status", d.Status, "server_version", d.ServerVersion)
	return d, o.ApplyDiscovery(d)
}

// Close stops the event loop, drops any connection and purges buffered
// audio. It is the teardown hook for tests and shutdown; safe to call more
// than once.
func (o *Orchestrator) Close() error {
	o.quitOnce.Do(func() { close(o.quit) })
	o.lifeMu.Lock()
	if !o.started {
		o.started = true
		o.lifeMu.Unlock()
		o.finish()
	} else {
		o.lifeMu.Unlock()
	}
	<-o.done
	return nil
}

// post enqueues ev for the loop. It fails once the loop has exited.
func (o *Orchestrator) post(ev event) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.events <- ev:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// ─── Buffer ownership ────────────────────────────────────────────────────────

func (o *Orchestrator) buffer() *audiobuf.Buffer {
	o.bufMu.Lock()
	defer o.bufMu.Unlock()
	return o.buf
}

// ensureBuffer creates the session buffer unless the orchestrator is banned
// or latched. The state is read under bufMu, after the loop has published
// it, so a buffer is never created behind a purge.
func (o *Orchestrator) ensureBuffer() *audiobuf.Buffer {
	o.bufMu.Lock()
	defer o.bufMu.Unlock()
	if o.buf != nil {
		return o.buf
	}
	if o.State() == Banned || o.latched.Load() {
		return nil
	}
	o.buf = audiobuf.New(o.cfg.BufferMaxBytes,
		audiobuf.WithPolicy(o.cfg.BufferPolicy),
		audiobuf.WithZeroOnSend(o.cfg.Incognito),
	)
	return o.buf
}

// detachBuffer purges and detaches the session buffer and returns the number
// of frames discarded. Safe to call from any goroutine.
func (o *Orchestrator) detachBuffer() int {
	o.bufMu.Lock()
	buf := o.buf
	o.buf = nil
	o.bufMu.Unlock()
	if buf == nil {
		return 0
	}
	return buf.Close()
}

// destroyBuffer is detachBuffer for the event loop, logged with the attempt.
func (o *Orchestrator) destroyBuffer() {
	if n := o.detachBuffer(); n > 0 {
		o.log.Debug("orchestrator: purged buffered audio", "frames", n)
	}
}

// ─── Event loop ──────────────────────────────────────────────────────────────

// Run processes events until ctx is cancelled or Close is called. It may be
// called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.lifeMu.Lock()
	if o.started {
		o.lifeMu.Unlock()
		return ErrClosed
	}
	o.started = true
	o.lifeMu.Unlock()

	o.ctx = ctx
	defer o.finish()
	defer o.teardown()

	for {
		var ready <-chan struct{}
		if o.State() == Ready {
			if buf := o.buffer(); buf != nil {
				ready = buf.Ready()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.quit:
			return nil
		case <-ready:
			o.flush("live")
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev event) {
	switch ev := ev.(type) {
	case evConnect:
		o.wantConnect = true
		o.requestConnect()
	case evCaptureStart:
		o.onCaptureStart()
	case evCaptureStop:
		o.onCaptureStop()
	case evDisconnect:
		o.onDisconnect()
	case evReset:
		o.onReset()
	case evFatal:
		if o.fatal == nil {
			o.enterFatal(ev.fault)
		}
	case evDialed:
		o.onDialed(ev)
	case evMessage:
		if o.sock != nil && ev.gen == o.sock.gen {
			o.onMessage(ev.msg)
		}
	case evClosed:
		if o.sock != nil && ev.gen == o.sock.gen {
			o.onClosed(ev)
		}
	case evCloseDone:
		if o.State() == Closing && ev.gen == o.gen {
			o.finishClosing()
		}
	case evHeartbeatLost:
		if o.State() == Ready && o.sock != nil && ev.gen == o.sock.gen {
			o.transportLost(newFault(FaultTransport, Ready, o.attemptID, "heartbeat lost"))
		}
	case evBanExpired:
		if ev.seq == o.banSeq && o.State() == Banned {
			o.onBanExpired()
		}
	case evTimer:
		if ev.seq != o.timerSeq[ev.kind] || o.timers[ev.kind] == nil {
			return
		}
		o.timers[ev.kind] = nil
		o.log.Debug("orchestrator: timer fired", "timer", ev.kind)
		o.onTimer(ev.kind)
	}
}

// ─── State transitions ───────────────────────────────────────────────────────

func (o *Orchestrator) setState(to State) { o.moveTo(to, 0) }

// moveTo changes state. retryIn is reported with a move into Reconnecting.
func (o *Orchestrator) moveTo(to State, retryIn time.Duration) {
	from := o.State()
	if from == to {
		return
	}
	o.state.Store(int32(to))
	o.metrics.RecordTransition(o.ctx, from.String(), to.String())
	if to == Ready {
		o.metrics.ActiveConnections.Add(o.ctx, 1)
	} else if from == Ready {
		o.metrics.ActiveConnections.Add(o.ctx, -1)
	}
	o.log.Info("orchestrator: state changed", "from", from, "to", to)
	o.stateEvents.publish(Event{Kind: EventTransition, At: time.Now(), From: from, To: to, RetryIn: retryIn})
}

func (o *Orchestrator) publishFault(f *Fault) {
	o.metrics.RecordFault(o.ctx, f.Kind.String())
	o.log.Warn("orchestrator: fault", "kind", f.Kind, "fatal", f.Fatal, "state", f.State, "err", f.Err)
	o.stateEvents.publish(Event{Kind: EventFault, At: time.Now(), Fault: f})
}

func (o *Orchestrator) publishNotice(text string) {
	o.stateEvents.publish(Event{Kind: EventNotice, At: time.Now(), Text: text})
}

// requestConnect starts a connection if the current state allows one. The
// state is inspected before anything is mutated.
func (o *Orchestrator) requestConnect() {
	switch st := o.State(); {
	case o.fatal != nil:
		o.log.Warn("orchestrator: connect ignored, fatal fault latched", "kind", o.fatal.Kind)
	case st == Closing:
		o.pendingConnect = true
	case st == Banned:
		o.log.Info("orchestrator: connect deferred until ban expires")
	case st == Reconnecting:
		// A retry is already scheduled.
	case st.hasSession():
	default:
		o.connect()
	}
}

// connect opens a new socket. Callers have checked the state.
func (o *Orchestrator) connect() {
	if err := o.bans.Allow(); err != nil {
		o.log.Warn("orchestrator: connect suppressed", "err", err)
		return
	}
	if o.ensureBuffer() == nil {
		return
	}

	o.gen++
	o.attemptID = uuid.NewString()
	o.pendingPolicy = nil
	o.flushed = false
	refresh := o.refreshNext
	o.refreshNext = false

	var spanCtx context.Context
	spanCtx, o.hsSpan = observe.StartHandshakeSpan(o.ctx, o.attemptID, o.target.String())
	o.log = observe.Logger(spanCtx).With("attempt_id", o.attemptID)

	o.setState(Connecting)
	go o.dial(o.gen, refresh)
}

// dial fetches a credential and opens the socket off the loop. A provider
// error is retried once through Refresh before it is reported.
func (o *Orchestrator) dial(gen uint64, refresh bool) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.HandshakeTimeout)
	defer cancel()

	var (
		tok credential.Token
		err error
	)
	if refresh {
		tok, err = o.creds.Refresh(ctx)
	} else if tok, err = o.creds.Token(ctx); err != nil {
		slog.Debug("orchestrator: credential unavailable, refreshing", "err", err)
		tok, err = o.creds.Refresh(ctx)
	}
	if err != nil {
		_ = o.post(evDialed{gen: gen, credErr: err})
		return
	}

	conn, _, err := websocket.Dial(ctx, o.target.String(), &websocket.DialOptions{
		HTTPClient: o.httpClient,
		HTTPHeader: http.Header{"User-Agent": []string{"scribelink/" + o.cfg.ClientVersion}},
	})
	o.metrics.RecordConnectAttempt(o.ctx, err == nil)
	if err != nil {
		tok.Zero()
		_ = o.post(evDialed{gen: gen, err: err})
		return
	}
	conn.SetReadLimit(readLimit)
	if o.post(evDialed{gen: gen, conn: conn, token: tok}) != nil {
		tok.Zero()
		conn.CloseNow()
	}
}

func (o *Orchestrator) onDialed(ev evDialed) {
	if ev.gen != o.gen || o.State() != Connecting {
		ev.token.Zero()
		if ev.conn != nil {
			ev.conn.CloseNow()
		}
		return
	}

	if ev.credErr != nil {
		o.endHandshakeSpan(ev.credErr)
		o.enterFatal(&Fault{Kind: FaultAuthFailed, Fatal: true, State: Connecting, AttemptID: o.attemptID, Err: ev.credErr})
		return
	}
	if ev.err != nil {
		o.endHandshakeSpan(ev.err)
		o.scheduleReconnect(&Fault{Kind: FaultTransport, State: Connecting, AttemptID: o.attemptID, Err: ev.err})
		return
	}

	readCtx, cancel := context.WithCancel(o.ctx)
	o.sock = &socket{gen: ev.gen, conn: ev.conn, cancel: cancel}
	o.setState(AwaitingHandshakeAck)
	o.hsStart = time.Now()

	err := o.sendHello(ev.token)
	if err != nil {
		o.transportLost(&Fault{Kind: FaultTransport, State: AwaitingHandshakeAck, AttemptID: o.attemptID, Err: err})
		return
	}
	go o.readLoop(readCtx, o.sock)
	o.arm(timerHandshake, o.cfg.HandshakeTimeout)
}

// sendHello writes the handshake and wipes the credential and the encoded
// frame as soon as the write returns.
func (o *Orchestrator) sendHello(tok credential.Token) error {
	defer tok.Zero()

	o.gateMu.Lock()
	local := o.gate.Local()
	o.gateMu.Unlock()

	frame, err := protocol.EncodeHello(protocol.Hello{
		ClientVersion:        local,
		MinCompatibleVersion: o.cfg.MinCompatibleVersion,
		Auth:                 tok,
		Incognito:            o.cfg.Incognito,
	})
	if err != nil {
		return err
	}
	defer credential.Zero(frame)
	return o.write(websocket.MessageText, frame)
}

// write is the single ordered send path.
func (o *Orchestrator) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.WriteTimeout)
	defer cancel()
	return o.sock.conn.Write(ctx, typ, data)
}

func (o *Orchestrator) readLoop(ctx context.Context, s *socket) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			ev := evClosed{gen: s.gen, code: int(websocket.CloseStatus(err)), err: err}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				ev.reason = ce.Reason
			}
			_ = o.post(ev)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("orchestrator: undecodable frame", "err", err)
			continue
		}
		if o.post(evMessage{gen: s.gen, msg: msg}) != nil {
			return
		}
	}
}

func (o *Orchestrator) onMessage(msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.HelloAck:
		if o.State() == AwaitingHandshakeAck {
			o.onHelloAck(m)
		}
	case protocol.ErrorEvent:
		e := o.dispatcher.Dispatch(m)
		o.metrics.RecordServerError(o.ctx, e.Kind.String())
	case protocol.Transcript:
		text, changed := sanitize.Text(m.Text)
		if changed {
			o.log.Warn("orchestrator: transcript contained control sequences, neutralised")
		}
		if text == "" {
			return
		}
		if !o.cfg.Incognito {
			o.log.Debug("orchestrator: transcript", "final", m.Final, "chars", len(text))
		}
		o.stateEvents.publish(Event{Kind: EventTranscript, At: time.Now(), Text: text, Final: m.Final})
	case protocol.Status:
		text, _ := sanitize.Text(m.Message)
		o.publishNotice(text)
	case protocol.Other:
		o.log.Debug("orchestrator: ignoring message", "type", m.Type)
	}
}

func (o *Orchestrator) onHelloAck(ack protocol.HelloAck) {
	o.disarm(timerHandshake)
	o.metrics.HandshakeDuration.Record(o.ctx, time.Since(o.hsStart).Seconds())

	o.gateMu.Lock()
	if err := o.gate.Observe(ack.MinClientVersion, ack.SecClientVersion); err != nil {
		o.log.Warn("orchestrator: ignoring malformed version thresholds in ack", "err", err)
	}
	verdict, err := o.gate.Check()
	o.gateMu.Unlock()
	if err != nil {
		o.endHandshakeSpan(err)
		o.enterFatal(&Fault{Kind: FaultVersionRejected, Fatal: true, State: AwaitingHandshakeAck, AttemptID: o.attemptID, Err: err})
		return
	}
	if verdict.Advisory != "" {
		o.log.Warn("orchestrator: upgrade recommended", "advisory", verdict.Advisory)
		o.publishNotice(verdict.Advisory)
	}

	o.endHandshakeSpan(nil)
	o.backoff.Reset()
	o.authRetried = false
	o.setState(Ready)
	o.log.Info("orchestrator: session ready",
		"connection_id", ack.ConnectionID,
		"server_version", ack.ServerVersion,
		"capabilities", ack.Capabilities,
	)

	gen := o.sock.gen
	o.hb = heartbeat.Start(o.ctx, o.sock.conn, heartbeat.Config{
		Interval:  o.cfg.HeartbeatInterval,
		MaxMissed: o.cfg.HeartbeatMaxMissed,
		OnMiss: func(int) {
			o.metrics.HeartbeatMisses.Add(context.Background(), 1)
		},
		OnDead: func() {
			go func() { _ = o.post(evHeartbeatLost{gen: gen}) }()
		},
	})
	o.arm(timerIdle, o.cfg.IdleTimeout)

	o.flush("flush")
	if o.State() == Ready && o.stopPending {
		o.sendEndOfStream()
	}
}

// flush drains the buffer to the socket. Only called while Ready.
func (o *Orchestrator) flush(phase string) {
	buf := o.buffer()
	if o.State() != Ready || o.sock == nil || buf == nil {
		return
	}
	if !o.flushed {
		phase = "flush"
		o.flushed = true
	}
	n, err := buf.Flush(func(f audiobuf.Frame) error {
		return o.write(websocket.MessageBinary, f.Payload)
	})
	o.metrics.RecordFramesSent(o.ctx, phase, n)
	if n > 0 {
		o.arm(timerIdle, o.cfg.IdleTimeout)
	}
	if err != nil {
		o.transportLost(&Fault{Kind: FaultTransport, State: Ready, AttemptID: o.attemptID, Err: fmt.Errorf("write audio: %w", err)})
	}
}

func (o *Orchestrator) sendEndOfStream() {
	o.stopPending = false
	if err := o.write(websocket.MessageText, protocol.EncodeEndOfStream()); err != nil {
		o.transportLost(&Fault{Kind: FaultTransport, State: Ready, AttemptID: o.attemptID, Err: fmt.Errorf("write end_of_stream: %w", err)})
	}
}

func (o *Orchestrator) onCaptureStart() {
	o.wantConnect = true
	o.stopPending = false
	if o.State() == Ready {
		o.arm(timerIdle, o.cfg.IdleTimeout)
		return
	}
	o.requestConnect()
}

func (o *Orchestrator) onCaptureStop() {
	switch st := o.State(); {
	case st == Ready:
		o.flush("live")
		if o.State() == Ready {
			o.sendEndOfStream()
			o.arm(timerIdle, o.cfg.IdleTimeout)
		}
	case st.hasSession() || st == Reconnecting:
		o.stopPending = true
	}
}

func (o *Orchestrator) onAuthFailed(e dispatch.Error) {
	st := o.State()
	if o.authRetried {
		o.endHandshakeSpan(e)
		o.enterFatal(&Fault{Kind: FaultAuthFailed, Fatal: true, State: st, AttemptID: o.attemptID, Err: e})
		return
	}
	o.authRetried = true
	o.refreshNext = true
	o.endHandshakeSpan(e)
	o.publishFault(&Fault{Kind: FaultAuthFailed, State: st, AttemptID: o.attemptID, Err: e})

	o.dropSocket(websocket.StatusNormalClosure, "refreshing credentials", false)
	o.disarm(timerHandshake)
	o.disarm(timerIdle)
	o.setState(Reconnecting)
	o.arm(timerRetry, 0)
}

func (o *Orchestrator) onClosed(ev evClosed) {
	st := o.State()
	o.log.Info("orchestrator: socket closed", "state", st, "code", ev.code, "reason", ev.reason)

	if p := o.pendingPolicy; p != nil && p.Reason == protocol.ReasonVersionRejected {
		o.endHandshakeSpan(p)
		o.enterFatal(&Fault{Kind: FaultVersionRejected, Fatal: true, State: st, AttemptID: o.attemptID, Err: p})
		return
	}

	var notice *ban.Notice
	if p := o.pendingPolicy; p != nil {
		notice = &ban.Notice{Reason: p.Reason, CooldownSeconds: p.CooldownSeconds, Raw: p.Raw}
	}
	if rec, ok := o.bans.Parse(ev.code, ev.reason, notice); ok {
		o.endHandshakeSpan(errors.New(rec.Reason))
		o.enterBanned(rec)
		return
	}

	err := ev.err
	if err == nil {
		err = errors.New("connection closed")
	}
	o.transportLost(&Fault{Kind: FaultTransport, State: st, AttemptID: o.attemptID, Err: err})
}

func (o *Orchestrator) onTimer(kind timerKind) {
	switch kind {
	case timerHandshake:
		if o.State() != AwaitingHandshakeAck {
			return
		}
		f := newFault(FaultHandshakeTimeout, AwaitingHandshakeAck, o.attemptID, "no hello_ack within %s", o.cfg.HandshakeTimeout)
		o.endHandshakeSpan(f)
		o.dropSocket(websocket.StatusGoingAway, "handshake timeout", false)
		o.scheduleReconnect(f)

	case timerIdle:
		if o.State() != Ready {
			return
		}
		o.log.Info("orchestrator: idle timeout, disconnecting", "idle", o.cfg.IdleTimeout)
		o.wantConnect = false
		o.capturing.Store(false)
		o.dropSocket(websocket.StatusNormalClosure, "idle timeout", false)
		o.destroyBuffer()
		o.setState(Disconnected)

	case timerRetry:
		if o.State() != Reconnecting {
			return
		}
		o.connect()
		if o.State() == Reconnecting {
			// connect refused (ban or no buffer); settle.
			o.setState(Disconnected)
		}
	}
}

// transportLost drops the socket and reconnects with the buffer retained.
func (o *Orchestrator) transportLost(f *Fault) {
	o.endHandshakeSpan(f)
	o.dropSocket(websocket.StatusGoingAway, "transport error", false)
	o.scheduleReconnect(f)
}

// scheduleReconnect moves to Reconnecting. A ban is checked before the
// backoff controller is consulted.
func (o *Orchestrator) scheduleReconnect(f *Fault) {
	o.disarm(timerHandshake)
	o.disarm(timerIdle)

	if rec, banned := o.bans.Active(); banned {
		o.publishFault(f)
		o.enterBanned(rec)
		return
	}
	if !o.wantConnect {
		o.publishFault(f)
		o.destroyBuffer()
		o.setState(Disconnected)
		return
	}
	if o.cfg.MaxRetries > 0 && o.backoff.Attempt() >= o.cfg.MaxRetries {
		f.Fatal = true
		f.Err = fmt.Errorf("giving up after %d attempts: %w", o.backoff.Attempt(), f.Err)
		o.enterFatal(f)
		return
	}

	o.publishFault(f)
	delay := o.backoff.Next()
	o.moveTo(Reconnecting, delay)
	o.log.Info("orchestrator: reconnecting", "delay", delay, "attempt", o.backoff.Attempt())
	o.arm(timerRetry, delay)
}

func (o *Orchestrator) enterBanned(rec ban.Record) {
	o.disarmAll()
	o.dropSocket(websocket.StatusNormalClosure, "", false)
	o.pendingPolicy = nil
	o.refreshNext = false

	cooldown := rec.Remaining(time.Now())
	o.metrics.RecordBan(o.ctx, rec.Reason)
	o.setState(Banned)
	o.destroyBuffer()
	o.publishFault(&Fault{
		Kind:      FaultPolicyViolation,
		State:     Banned,
		AttemptID: o.attemptID,
		Cooldown:  cooldown,
		Err:       fmt.Errorf("%s until %s", rec.Reason, rec.CooldownUntil.Format(time.RFC3339)),
	})

	o.banSeq++
	seq := o.banSeq
	o.bans.Begin(rec, func() {
		go func() { _ = o.post(evBanExpired{seq: seq}) }()
	})
}

func (o *Orchestrator) onBanExpired() {
	o.setState(Disconnected)
	if o.wantConnect {
		o.connect()
	}
}

// enterFatal latches f and tears the session down.
func (o *Orchestrator) enterFatal(f *Fault) {
	f.Fatal = true
	o.fatal = f
	o.latched.Store(true)
	o.wantConnect = false
	o.pendingConnect = false
	o.stopPending = false
	o.capturing.Store(false)
	o.disarmAll()
	o.dropSocket(websocket.StatusNormalClosure, f.Kind.String(), false)
	o.destroyBuffer()
	o.publishFault(f)
	o.setState(Disconnected)
}

func (o *Orchestrator) onReset() {
	if o.fatal != nil {
		o.log.Info("orchestrator: fatal fault cleared", "kind", o.fatal.Kind)
	}
	o.fatal = nil
	o.latched.Store(false)
	o.authRetried = false
	o.refreshNext = false
}

func (o *Orchestrator) onDisconnect() {
	o.wantConnect = false
	o.pendingConnect = false
	o.stopPending = false
	o.disarmAll()

	switch o.State() {
	case Disconnected, Closing:
		return
	case Banned:
		// The countdown keeps running; expiry lands in Disconnected
		// without reconnecting.
		return
	}

	o.endHandshakeSpan(errors.New("disconnected by user"))
	o.setState(Closing)
	o.gen++
	if o.sock != nil {
		o.dropSocket(websocket.StatusNormalClosure, "client disconnect", true)
		return
	}
	o.finishClosing()
}

// finishClosing completes Closing and serves a connect queued meanwhile.
func (o *Orchestrator) finishClosing() {
	o.setState(Disconnected)
	if o.pendingConnect || o.wantConnect {
		o.pendingConnect = false
		o.wantConnect = true
		o.connect()
		return
	}
	o.destroyBuffer()
}

// dropSocket detaches the socket and closes it off the loop. With notify,
// evCloseDone is posted for the current generation when the close is done.
func (o *Orchestrator) dropSocket(code websocket.StatusCode, reason string, notify bool) {
	if o.hb != nil {
		o.hb.Stop()
		o.hb = nil
	}
	s := o.sock
	o.sock = nil
	if s == nil {
		return
	}
	gen := o.gen
	timeout := o.cfg.CloseTimeout
	go func() {
		closeSocket(s, code, reason, timeout)
		if notify {
			_ = o.post(evCloseDone{gen: gen})
		}
	}()
}

// closeSocket performs the close handshake, forcing the socket shut after
// timeout, and stops its reader.
func closeSocket(s *socket, code websocket.StatusCode, reason string, timeout time.Duration) {
	closed := make(chan struct{})
	go func() {
		_ = s.conn.Close(code, reason)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(timeout):
		_ = s.conn.CloseNow()
	}
	s.cancel()
}

func (o *Orchestrator) endHandshakeSpan(err error) {
	if o.hsSpan == nil {
		return
	}
	observe.EndSpan(o.hsSpan, err)
	o.hsSpan = nil
}

// ─── Timers ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) arm(kind timerKind, d time.Duration) {
	o.disarm(kind)
	seq := o.timerSeq[kind]
	o.timers[kind] = time.AfterFunc(d, func() {
		_ = o.post(evTimer{kind: kind, seq: seq})
	})
}

func (o *Orchestrator) disarm(kind timerKind) {
	if t := o.timers[kind]; t != nil {
		t.Stop()
		o.timers[kind] = nil
	}
	o.timerSeq[kind]++
}

func (o *Orchestrator) disarmAll() {
	for k := range numTimers {
		o.disarm(k)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// teardown runs on the loop goroutine when Run exits.
func (o *Orchestrator) teardown() {
	o.disarmAll()
	if o.hb != nil {
		o.hb.Stop()
		o.hb = nil
	}
	if s := o.sock; s != nil {
		o.sock = nil
		closeSocket(s, websocket.StatusGoingAway, "client shutdown", o.cfg.CloseTimeout)
	}
	o.endHandshakeSpan(ErrClosed)
	if o.State() == Ready {
		o.metrics.ActiveConnections.Add(context.Background(), -1)
	}
	o.state.Store(int32(Disconnected))
}

// finish releases resources shared with other goroutines. Runs exactly once.
func (o *Orchestrator) finish() {
	o.doneOnce.Do(func() {
		o.capturing.Store(false)
		o.detachBuffer()
		o.bans.Cancel()
		close(o.done)
		o.stateEvents.close()
		slog.Info("orchestrator: stopped")
	})
}
