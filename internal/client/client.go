// Package client connects to a state server over websockets. It creates
// instances owned by this connection, and keeps local mirrors of attached
// instances up to date from the pushed diffs.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
	"github.com/tphakala/statesync/internal/transport"
)

const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMirrorQueueSize = 256
	DefaultPongWait        = 60 * time.Second
	writeWait              = 10 * time.Second
)

// ErrClientClosed is returned for requests issued after Close
var ErrClientClosed = errors.NewStd("client closed")

// Client is one connection, and therefore one party, to a state server.
// It is safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	logger  logger.Logger
	metrics metrics.Recorder
	warn    *rate.Limiter

	requestTimeout  time.Duration
	mirrorQueueSize int
	pongWait        time.Duration

	writeMu sync.Mutex
	nextReq atomic.Uint64

	mu           sync.Mutex
	pending      map[uint64]*pendingRequest
	mirrors      map[uint64][]*Mirror
	observations map[uint64]*Observation

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	done     chan struct{}
	failOnce sync.Once
	err      error
}

// pendingRequest waits for its result. onResult runs on the read loop
// before any later frame is dispatched.
type pendingRequest struct {
	ch       chan *transport.Frame
	onResult func(*transport.Frame)
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// WithMetrics records request outcomes and round trip times
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRequestTimeout bounds requests whose context has no deadline
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithMirrorQueueSize sets the event buffer of each mirror
func WithMirrorQueueSize(n int) Option {
	return func(c *Client) { c.mirrorQueueSize = n }
}

// WithPongWait sets how long the connection may stay silent before it is
// considered lost. Pings are sent at 9/10 of it.
func WithPongWait(d time.Duration) Option {
	return func(c *Client) { c.pongWait = d }
}

// Dial connects to the websocket endpoint at url
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		requestTimeout:  DefaultRequestTimeout,
		mirrorQueueSize: DefaultMirrorQueueSize,
		pongWait:        DefaultPongWait,
		pending:         make(map[uint64]*pendingRequest),
		mirrors:         make(map[uint64][]*Mirror),
		observations:    make(map[uint64]*Observation),
		done:            make(chan struct{}),
		warn:            rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Global().Module("client")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.New(fmt.Errorf("dial %s: %w", url, err)).
			Component("client").
			Category(errors.CategoryNetwork).
			Context("url", url).
			Build()
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	c.group, _ = errgroup.WithContext(c.ctx)
	c.group.Go(c.readLoop)
	c.group.Go(c.keepalive)

	c.logger.Info("connected to state server", logger.String("url", url))
	return c, nil
}

// Done is closed when the connection is lost or closed
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection. Every mirror and observation is closed; the
// server deletes the instances this client owns.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	c.cancel()
	err := c.group.Wait()
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

// Create makes a new instance owned by this connection
func (c *Client) Create(ctx context.Context, schemaName string, values schema.Values) (*SharedState, error) {
	res, err := c.request(ctx, &transport.Frame{Type: transport.FrameCreate, Schema: schemaName, Values: values}, nil)
	if err != nil {
		return nil, err
	}
	if res.Snapshot == nil {
		return nil, c.protocolError("create result without snapshot")
	}
	return &SharedState{client: c, snapshot: *res.Snapshot}, nil
}

// Attach subscribes to instance id and returns a mirror seeded with its
// current values.
func (c *Client) Attach(ctx context.Context, id uint64) (*Mirror, error) {
	var m *Mirror
	_, err := c.request(ctx, &transport.Frame{Type: transport.FrameAttach, ID: id}, func(res *transport.Frame) {
		if res.Snapshot != nil {
			m = c.addMirrorLocked(*res.Snapshot)
		}
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, c.protocolError("attach result without snapshot")
	}
	return m, nil
}

// Detach ends every attachment this connection holds on instance id
func (c *Client) Detach(ctx context.Context, id uint64) error {
	_, err := c.request(ctx, &transport.Frame{Type: transport.FrameDetach, ID: id}, func(*transport.Frame) {
		for _, m := range c.mirrors[id] {
			m.finish(state.ReasonDetached, nil)
		}
		delete(c.mirrors, id)
	})
	return err
}

// Observe discovers every current and future instance of schemaName whose
// fields equal where. Each one arrives as an attached Mirror.
func (c *Client) Observe(ctx context.Context, schemaName string, where schema.Values) (*Observation, error) {
	var o *Observation
	_, err := c.request(ctx, &transport.Frame{Type: transport.FrameObserve, Schema: schemaName, Where: where}, func(res *transport.Frame) {
		o = newObservation(c, res.Observer, state.Filter{Schema: schemaName, Where: where}, c.mirrorQueueSize)
		c.observations[o.id] = o
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (c *Client) unobserve(ctx context.Context, o *Observation) error {
	_, err := c.request(ctx, &transport.Frame{Type: transport.FrameUnobserve, Observer: o.id}, func(*transport.Frame) {
		delete(c.observations, o.id)
		o.finish(state.ReasonDetached)
	})
	return err
}

// request sends f and waits for its result. onResult is called with c.mu
// held, on the read loop, only for successful results.
func (c *Client) request(ctx context.Context, f *transport.Frame, onResult func(*transport.Frame)) (*transport.Frame, error) {
	started := time.Now()
	operation := string(f.Type)
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	f.Req = c.nextReq.Add(1)
	p := &pendingRequest{ch: make(chan *transport.Frame, 1), onResult: onResult}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.err
	default:
	}
	c.pending[f.Req] = p
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.Req)
		c.mu.Unlock()
	}

	if err := c.write(f); err != nil {
		forget()
		c.record(operation, started, err)
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.Error != nil {
			err := res.Error.Err()
			c.record(operation, started, err)
			return nil, err
		}
		c.record(operation, started, nil)
		return res, nil
	case <-ctx.Done():
		forget()
		err := errors.New(fmt.Errorf("%s request: %w", operation, ctx.Err())).
			Component("client").
			Context("req", f.Req).
			Build()
		c.record(operation, started, err)
		return nil, err
	case <-c.done:
		c.record(operation, started, c.err)
		return nil, c.err
	}
}

func (c *Client) record(operation string, started time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordDuration(operation, time.Since(started).Seconds())
	if err != nil {
		c.metrics.RecordOperation(operation, "error")
		code := state.Code(err)
		if errors.Is(err, transport.ErrInvalidFrame) {
			code = transport.CodeInvalidRequest
		}
		c.metrics.RecordError(operation, code)
		return
	}
	c.metrics.RecordOperation(operation, "success")
}

func (c *Client) write(f *transport.Frame) error {
	data, err := transport.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail(c.disconnected(err))
		return c.Err()
	}
	return nil
}

// readLoop dispatches frames until the connection fails
func (c *Client) readLoop() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(c.disconnected(err))
			return c.err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		f, err := transport.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", logger.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

// keepalive pings the server and closes the connection once the client
// is closed, which ends the read loop.
func (c *Client) keepalive() error {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = c.conn.Close()
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(c.disconnected(err))
				c.cancel()
			}
		}
	}
}

func (c *Client) dispatch(f *transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case transport.FrameResult:
		p, ok := c.pending[f.Req]
		if !ok {
			if f.Error != nil {
				c.logger.Warn("server rejected a frame", logger.String("code", f.Error.Code),
					logger.String("message", f.Error.Message))
			}
			return
		}
		delete(c.pending, f.Req)
		if f.Error == nil && p.onResult != nil {
			p.onResult(f)
		}
		p.ch <- f

	case transport.FrameUpdate, transport.FrameDeleted:
		for _, m := range c.mirrors[f.ID] {
			m.apply(f)
		}
		if f.Type == transport.FrameDeleted {
			delete(c.mirrors, f.ID)
		}

	case transport.FrameAttached:
		o, ok := c.observations[f.Observer]
		if !ok || f.Snapshot == nil {
			return
		}
		o.deliver(c.addMirrorLocked(*f.Snapshot))

	case transport.FrameDetached:
		for _, m := range c.mirrors[f.ID] {
			m.finish(state.DetachReason(f.Reason), nil)
		}
		delete(c.mirrors, f.ID)
		c.warnThrottled("server detached a mirror",
			logger.Uint64("instance_id", f.ID),
			logger.String("reason", f.Reason))

	case transport.FrameUnobserved:
		if o, ok := c.observations[f.Observer]; ok {
			delete(c.observations, f.Observer)
			o.finish(state.DetachReason(f.Reason))
		}

	default:
		c.logger.Debug("ignoring unexpected frame", logger.String("type", string(f.Type)))
	}
}

// addMirrorLocked registers a mirror for snap (c.mu required)
func (c *Client) addMirrorLocked(snap state.Snapshot) *Mirror {
	m := newMirror(c, snap, c.mirrorQueueSize)
	c.mirrors[snap.ID] = append(c.mirrors[snap.ID], m)
	return m
}

// fail ends the client once: pending requests, mirrors and observations
// all end with err.
func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.err = err
		close(c.done)

		for id, ms := range c.mirrors {
			for _, m := range ms {
				m.finish(state.ReasonDisconnected, err)
			}
			delete(c.mirrors, id)
		}
		for id, o := range c.observations {
			o.finish(state.ReasonDisconnected)
			delete(c.observations, id)
		}
		clear(c.pending)

		if !errors.Is(err, ErrClientClosed) {
			c.logger.Warn("connection to state server lost", logger.Error(err))
		}
	})
	c.cancel()
}

func (c *Client) disconnected(cause error) error {
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}
	return errors.New(fmt.Errorf("%w: %w", state.ErrTransportDisconnected, cause)).
		Component("client").
		Category(errors.CategoryNetwork).
		Build()
}

func (c *Client) protocolError(msg string) error {
	return errors.New(fmt.Errorf("%w: %s", transport.ErrInvalidFrame, msg)).
		Component("client").
		Category(errors.CategoryProtocol).
		Build()
}

func (c *Client) warnThrottled(msg string, fields ...logger.Field) {
	if c.warn.Allow() {
		c.logger.Warn(msg, fields...)
	}
}
