package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"mapsync/domain"
)

// Status is the transport connection state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Wire is one established bidirectional connection. Tests substitute fakes;
// production uses the gorilla dialer.
type Wire interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Wire, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string) (Wire, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaWire{conn: conn}, nil
}

type gorillaWire struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (w *gorillaWire) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *gorillaWire) WriteMessage(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *gorillaWire) Close() error {
	return w.conn.Close()
}

// Options configures a Transport. Zero values take defaults.
type Options struct {
	URL      string
	UserID   string
	Username string

	HeartbeatInterval time.Duration // ping cadence, default 20s
	HeartbeatTimeout  time.Duration // pong deadline after a ping, default 10s
	ReconnectInitial  time.Duration // first backoff delay, default 500ms
	ReconnectCeiling  time.Duration // backoff cap, default 30s
	MaxReconnects     int           // consecutive failures before giving up, default 5
	QueueSize         int           // outbound buffer while disconnected, default 64

	Dialer Dialer
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.ReconnectInitial == 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectCeiling == 0 {
		o.ReconnectCeiling = 30 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.QueueSize == 0 {
		o.QueueSize = 64
	}
	if o.Dialer == nil {
		o.Dialer = gorillaDialer{}
	}
}

var errHeartbeat = errors.New("heartbeat timed out")

// Transport owns one persistent connection to the server: status tracking,
// heartbeat, bounded reconnection, and a subscription point for inbound
// messages. Send never fails into the caller; while disconnected, outbound
// messages queue up to the buffer size and the oldest are dropped beyond it.
type Transport struct {
	opts Options
	out  chan []byte

	mu          sync.Mutex
	wire        Wire
	status      Status
	gen         int
	lastPong    time.Time
	closed      bool
	cancel      context.CancelFunc
	lifecycle   context.Context
	connCancel  context.CancelFunc
	subs        map[int]func(domain.Message, any)
	statusSubs  map[int]func(Status)
	reconnSubs  map[int]func()
	nextSub     int
}

func NewTransport(opts Options) *Transport {
	opts.withDefaults()
	return &Transport{
		opts:       opts,
		out:        make(chan []byte, opts.QueueSize),
		status:     StatusDisconnected,
		subs:       make(map[int]func(domain.Message, any)),
		statusSubs: make(map[int]func(Status)),
		reconnSubs: make(map[int]func()),
	}
}

// Connect dials the server. On failure the bounded reconnect schedule starts
// in the background; the returned error reports the first attempt only.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if t.lifecycle == nil {
		t.lifecycle, t.cancel = context.WithCancel(context.Background())
	}
	t.mu.Unlock()

	t.setStatus(StatusConnecting)
	wire, err := t.opts.Dialer.Dial(ctx, t.opts.URL)
	if err != nil {
		t.setStatus(StatusErrored)
		go t.reconnectLoop()
		return err
	}
	t.resume(wire)
	return nil
}

// Disconnect tears the connection down and cancels any pending reconnect.
// Terminal: the transport cannot be reused afterwards.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.connCancel != nil {
		t.connCancel()
	}
	if t.wire != nil {
		t.wire.Close()
		t.wire = nil
	}
	t.gen++
	t.mu.Unlock()

	t.setStatus(StatusDisconnected)
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Send encodes and queues a message. It never blocks and never returns an
// error to the caller; encoding failures are logged and dropped, and a full
// queue drops the oldest entry.
func (t *Transport) Send(msg domain.Message, payload any) {
	if msg.UserID == "" {
		msg.UserID = t.opts.UserID
	}
	if msg.Username == "" {
		msg.Username = t.opts.Username
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := domain.Encode(msg, payload)
	if err != nil {
		slog.Warn("encode failed", "type", msg.Type, "error", err)
		return
	}
	for {
		select {
		case t.out <- data:
			return
		default:
			select {
			case <-t.out: // drop oldest
			default:
			}
		}
	}
}

// Subscribe registers an inbound message observer and returns its
// unsubscribe handle.
func (t *Transport) Subscribe(fn func(domain.Message, any)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// OnStatus registers a status-change observer.
func (t *Transport) OnStatus(fn func(Status)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.statusSubs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.statusSubs, id)
		t.mu.Unlock()
	}
}

// OnReconnect registers a hook fired after the connection is re-established,
// once the transport is ready to carry traffic again. Sessions use it to
// re-join their room and resnapshot.
func (t *Transport) OnReconnect(fn func()) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.reconnSubs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.reconnSubs, id)
		t.mu.Unlock()
	}
}

// resume installs a fresh wire and starts its pumps.
func (t *Transport) resume(wire Wire) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.wire = wire
	t.lastPong = time.Now()
	connCtx, connCancel := context.WithCancel(t.lifecycle)
	t.connCancel = connCancel
	t.mu.Unlock()

	t.setStatus(StatusConnected)

	go t.readLoop(connCtx, wire, gen)
	go t.writeLoop(connCtx, wire, gen)
	go t.heartbeatLoop(connCtx, gen)
}

// fail tears down the current wire and starts reconnecting, unless a newer
// generation already did. Both the read loop and the heartbeat can observe
// the same death; the generation check ensures a single reconnect loop.
func (t *Transport) fail(gen int, cause error) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	if t.connCancel != nil {
		t.connCancel()
	}
	if t.wire != nil {
		t.wire.Close()
		t.wire = nil
	}
	t.mu.Unlock()

	slog.Warn("connection lost", "error", cause)
	t.setStatus(StatusErrored)
	go t.reconnectLoop()
}

func (t *Transport) reconnectLoop() {
	t.mu.Lock()
	ctx := t.lifecycle
	t.mu.Unlock()
	if ctx == nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.ReconnectInitial
	b.MaxInterval = t.opts.ReconnectCeiling
	b.MaxElapsedTime = 0

	for attempt := 1; attempt <= t.opts.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
		if ctx.Err() != nil {
			return
		}

		t.setStatus(StatusConnecting)
		wire, err := t.opts.Dialer.Dial(ctx, t.opts.URL)
		if err != nil {
			slog.Warn("reconnect failed", "attempt", attempt, "error", err)
			t.setStatus(StatusErrored)
			continue
		}

		t.resume(wire)
		t.mu.Lock()
		hooks := make([]func(), 0, len(t.reconnSubs))
		for _, fn := range t.reconnSubs {
			hooks = append(hooks, fn)
		}
		t.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		return
	}

	slog.Error("reconnect budget exhausted", "attempts", t.opts.MaxReconnects)
	t.setStatus(StatusDisconnected)
}

func (t *Transport) readLoop(ctx context.Context, wire Wire, gen int) {
	for {
		data, err := wire.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.fail(gen, err)
			}
			return
		}

		msg, payload, err := domain.Decode(data)
		if errors.Is(err, domain.ErrUnknownType) {
			continue
		}
		if err != nil {
			slog.Warn("invalid message", "error", err)
			continue
		}

		if msg.Type == domain.TypePong {
			t.mu.Lock()
			t.lastPong = time.Now()
			t.mu.Unlock()
			continue
		}

		t.deliver(msg, payload)
	}
}

func (t *Transport) writeLoop(ctx context.Context, wire Wire, gen int) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-t.out:
			if err := wire.WriteMessage(data); err != nil {
				if ctx.Err() == nil {
					t.fail(gen, err)
				}
				return
			}
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingAt := time.Now()
			t.Send(domain.Message{Type: domain.TypePing, Timestamp: pingAt.UnixMilli()}, nil)

			deadline := time.NewTimer(t.opts.HeartbeatTimeout)
			select {
			case <-ctx.Done():
				deadline.Stop()
				return
			case <-deadline.C:
				t.mu.Lock()
				alive := !t.lastPong.Before(pingAt)
				t.mu.Unlock()
				if !alive {
					t.fail(gen, errHeartbeat)
					return
				}
			}
		}
	}
}

func (t *Transport) deliver(msg domain.Message, payload any) {
	t.mu.Lock()
	fns := make([]func(domain.Message, any), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(msg, payload)
	}
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	fns := make([]func(Status), 0, len(t.statusSubs))
	for _, fn := range t.statusSubs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
