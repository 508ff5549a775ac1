package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/state"
)

// Session is one websocket connection and the party it acts as. The read
// loop handles requests one at a time; every outgoing frame goes through a
// bounded send queue drained by the write loop.
type Session struct {
	id      string
	party   state.PartyID
	conn    *websocket.Conn
	store   *state.Store
	cfg     Config
	logger  logger.Logger
	metrics *metrics.TransportMetrics

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu     sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	mu        sync.Mutex
	observers map[uint64]*state.Observer
}

func newSession(ctx context.Context, conn *websocket.Conn, store *state.Store, cfg Config,
	log logger.Logger, m *metrics.TransportMetrics,
) *Session {
	id := uuid.New().String()
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:        id,
		party:     state.PartyID(id),
		conn:      conn,
		store:     store,
		cfg:       cfg,
		logger:    log.With(logger.String("session", id)),
		metrics:   m,
		send:      make(chan []byte, cfg.SendQueueSize),
		ctx:       sctx,
		cancel:    cancel,
		closeCode: websocket.CloseNormalClosure,
		observers: make(map[uint64]*state.Observer),
	}
}

// ID returns the session id, which is also its party id
func (s *Session) ID() string { return s.id }

// Party returns the party this session acts as
func (s *Session) Party() state.PartyID { return s.party }

// run serves the session until the connection ends, then releases
// everything the party held in the store.
func (s *Session) run() {
	s.metrics.SessionOpened()
	s.logger.Info("session opened", logger.String("remote", s.conn.RemoteAddr().String()))

	s.wg.Add(1)
	go s.writePump()
	s.readPump()

	s.cancel()
	s.store.Disconnect(s.party)
	s.wg.Wait()
	_ = s.conn.Close()

	code, reason := s.closeStatus()
	s.metrics.SessionClosed()
	s.logger.Info("session closed",
		logger.Int("close_code", code),
		logger.String("reason", reason))
}

// fail ends the session from any goroutine. The first call decides the
// close code sent to the peer.
func (s *Session) fail(code int, reason string) {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
	}
	s.closeMu.Unlock()
	s.cancel()
}

func (s *Session) closeStatus() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

// readPump decodes and dispatches requests until the connection fails
func (s *Session) readPump() {
	defer s.fail(websocket.CloseNormalClosure, "read loop ended")

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", logger.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if msgType != websocket.TextMessage {
			s.enqueue(resultFrame(0, invalidFrame("binary frames are not supported")))
			continue
		}
		f, err := Decode(data)
		if err != nil {
			s.metrics.FrameReceived("invalid")
			s.enqueue(resultFrame(0, err))
			continue
		}
		s.metrics.FrameReceived(string(f.Type))
		s.handle(f)
	}
}

// writePump writes queued frames and keepalive pings. It owns all writes
// to the connection and closes it on exit.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		s.wg.Done()
	}()

	for {
		select {
		case <-s.ctx.Done():
			code, reason := s.closeStatus()
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason))
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write failed", logger.Error(err))
				s.fail(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.fail(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// enqueue queues a frame without blocking. A full queue means the peer
// cannot keep up; the session is closed and the store releases its party.
func (s *Session) enqueue(f *Frame) bool {
	data, err := Encode(f)
	if err != nil {
		s.logger.Error("dropping unencodable frame",
			logger.String("type", string(f.Type)),
			logger.Error(err))
		if f.Type == FrameResult && f.Req != 0 && f.Error == nil {
			// the request still gets an answer
			s.enqueue(resultFrame(f.Req, err))
		}
		return false
	}
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.send <- data:
		s.metrics.FrameSent(string(f.Type))
		return true
	default:
		s.metrics.SendOverflow()
		s.logger.Warn("send queue full, closing session", logger.Int("queue_size", cap(s.send)))
		s.fail(websocket.CloseTryAgainLater, "send queue full")
		return false
	}
}

// handle executes one request and queues its result
func (s *Session) handle(f *Frame) {
	started := time.Now()
	if err := validateRequest(f); err != nil {
		s.reply(f, nil, err, started)
		return
	}

	switch f.Type {
	case FrameCreate:
		snap, err := s.store.Create(s.ctx, f.Schema, f.Values, s.party)
		if err != nil {
			s.reply(f, nil, err, started)
			return
		}
		s.reply(f, &Frame{Snapshot: &snap}, nil, started)

	case FrameUpdate:
		ev, err := s.store.Update(s.ctx, f.ID, f.Values, s.party)
		if err != nil {
			s.reply(f, nil, err, started)
			return
		}
		s.reply(f, &Frame{ID: f.ID, Seq: ev.Seq}, nil, started)

	case FrameDelete:
		s.reply(f, &Frame{ID: f.ID}, s.store.Delete(s.ctx, f.ID, s.party), started)

	case FrameAttach:
		att, err := s.store.Attach(s.ctx, f.ID, s.party)
		if err != nil {
			s.reply(f, nil, err, started)
			return
		}
		snap := att.Snapshot()
		// the result carries the snapshot and must precede the first diff
		if !s.reply(f, &Frame{ID: f.ID, Snapshot: &snap}, nil, started) {
			att.Close()
			return
		}
		s.forward(att)

	case FrameDetach:
		s.reply(f, &Frame{ID: f.ID}, s.store.Detach(f.ID, s.party), started)

	case FrameObserve:
		o, err := s.store.Observe(s.ctx, state.Filter{Schema: f.Schema, Where: f.Where}, s.party)
		if err != nil {
			s.reply(f, nil, err, started)
			return
		}
		s.mu.Lock()
		s.observers[o.ID()] = o
		s.mu.Unlock()
		if !s.reply(f, &Frame{Observer: o.ID()}, nil, started) {
			o.Close()
			return
		}
		s.wg.Add(1)
		go s.discover(o)

	case FrameUnobserve:
		s.mu.Lock()
		o, ok := s.observers[f.Observer]
		delete(s.observers, f.Observer)
		s.mu.Unlock()
		if !ok {
			s.reply(f, nil, errors.New(fmt.Errorf("%w: observer %d", state.ErrNotFound, f.Observer)).
				Component("transport").
				Category(errors.CategoryNotFound).
				Build(), started)
			return
		}
		o.Close()
		s.reply(f, &Frame{Observer: f.Observer}, nil, started)
	}
}

// reply queues the result for request f, merging the members of body
func (s *Session) reply(f *Frame, body *Frame, err error, started time.Time) bool {
	operation := string(f.Type)
	s.metrics.RecordDuration(operation, time.Since(started).Seconds())

	res := resultFrame(f.Req, err)
	if err != nil {
		s.metrics.RecordOperation(operation, "error")
		s.metrics.RecordError(operation, res.Error.Code)
		s.logger.Debug("request rejected",
			logger.String("operation", operation),
			logger.Uint64("req", f.Req),
			logger.String("code", res.Error.Code))
		return s.enqueue(res)
	}

	s.metrics.RecordOperation(operation, "success")
	if body != nil {
		res.ID = body.ID
		res.Seq = body.Seq
		res.Observer = body.Observer
		res.Snapshot = body.Snapshot
	}
	return s.enqueue(res)
}

// forward pushes the events of att until the attachment ends
func (s *Session) forward(att *state.Attachment) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dropped := false
		for ev := range att.Events() {
			if !dropped && !s.enqueue(eventFrame(ev)) {
				dropped = true
				att.Close()
			}
		}
		reason := att.Reason()
		switch {
		case dropped:
			s.enqueue(&Frame{Type: FrameDetached, ID: att.InstanceID(), Schema: att.Schema(), Reason: string(state.ReasonDetached)})
		case reason == state.ReasonOverflow, reason == state.ReasonStoreClosed:
			s.enqueue(&Frame{Type: FrameDetached, ID: att.InstanceID(), Schema: att.Schema(), Reason: string(reason)})
		}
	}()
}

// discover announces every attachment an observer delivers and forwards it.
// Once the observer is unobserved, attachments still in flight are closed
// instead, so no attached frame follows the unobserve result.
func (s *Session) discover(o *state.Observer) {
	defer s.wg.Done()
	for att := range o.Attachments() {
		if !s.announce(o, att) {
			att.Close()
			continue
		}
		s.forward(att)
	}

	s.mu.Lock()
	delete(s.observers, o.ID())
	s.mu.Unlock()
	if o.Reason() == state.ReasonOverflow {
		s.enqueue(&Frame{Type: FrameUnobserved, Observer: o.ID(), Reason: string(state.ReasonOverflow)})
	}
}

// announce queues the attached frame for att while o is still registered.
// The unobserve handler removes o under the same lock before replying.
func (s *Session) announce(o *state.Observer, att *state.Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observers[o.ID()] != o {
		return false
	}
	snap := att.Snapshot()
	return s.enqueue(&Frame{Type: FrameAttached, Observer: o.ID(), Snapshot: &snap})
}
