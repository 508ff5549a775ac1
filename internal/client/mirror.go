package client

import (
	"context"
	"maps"
	"sync"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
	"github.com/tphakala/statesync/internal/transport"
)

// UpdateFunc observes a mirror change. values is the mirror state after the
// event was applied and must not be modified.
type UpdateFunc func(ev state.Event, values schema.Values)

// Mirror is a local copy of an attached instance. Diffs are applied in
// sequence order; duplicates and superseded sequence numbers are ignored.
type Mirror struct {
	client *Client
	id     uint64
	schema string
	owner  state.PartyID

	mu       sync.Mutex
	values   schema.Values
	seq      uint64
	onUpdate UpdateFunc
	events   chan state.Event
	ended    bool
	reason   state.DetachReason
	err      error
	done     chan struct{}
	dropped  uint64
}

func newMirror(c *Client, snap state.Snapshot, queueSize int) *Mirror {
	return &Mirror{
		client: c,
		id:     snap.ID,
		schema: snap.Schema,
		owner:  snap.Owner,
		values: snap.Values.Clone(),
		seq:    snap.Seq,
		events: make(chan state.Event, queueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the mirrored instance id
func (m *Mirror) ID() uint64 { return m.id }

// Schema returns the schema name of the mirrored instance
func (m *Mirror) Schema() string { return m.schema }

// Owner returns the party owning the mirrored instance
func (m *Mirror) Owner() state.PartyID { return m.owner }

// Values returns a copy of the current values
func (m *Mirror) Values() schema.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values.Clone()
}

// Seq returns the sequence number of the last applied event
func (m *Mirror) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Events returns applied events, including the terminal deletion event.
// Events that do not fit the buffer are dropped; Values stays exact.
func (m *Mirror) Events() <-chan state.Event { return m.events }

// Done is closed when the mirror stops receiving changes
func (m *Mirror) Done() <-chan struct{} { return m.done }

// Reason returns why the mirror ended, or "" while it is live
func (m *Mirror) Reason() state.DetachReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Err returns the transport error that ended the mirror, if any
func (m *Mirror) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Dropped returns how many events did not fit the Events buffer
func (m *Mirror) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// OnUpdate installs fn to be called for every applied event. It runs on
// the connection's read loop: it must not block or call the Client.
func (m *Mirror) OnUpdate(fn UpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// Close detaches from the instance. Every mirror of the same instance on
// this client ends with it.
func (m *Mirror) Close(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	default:
	}
	return m.client.Detach(ctx, m.id)
}

// apply merges a pushed frame (read loop, client lock held)
func (m *Mirror) apply(f *transport.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended || f.Seq <= m.seq {
		return
	}

	ev := state.Event{InstanceID: m.id, Schema: m.schema, Seq: f.Seq, Fields: f.Fields}
	if f.Type == transport.FrameDeleted {
		ev.Kind = state.EventDeleted
	} else {
		ev.Kind = state.EventUpdate
		next := m.values.Clone()
		maps.Copy(next, f.Fields)
		m.values = next
	}
	m.seq = f.Seq

	if m.onUpdate != nil {
		m.onUpdate(ev, m.values)
	}
	select {
	case m.events <- ev:
	default:
		m.dropped++
		m.client.warnThrottled("mirror event buffer full, dropping events",
			logger.Uint64("instance_id", m.id),
			logger.Uint64("dropped", m.dropped))
	}

	if ev.Kind == state.EventDeleted {
		m.endLocked(state.ReasonDeleted, nil)
	}
}

// finish ends the mirror unless it already ended
func (m *Mirror) finish(reason state.DetachReason, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(reason, err)
}

func (m *Mirror) endLocked(reason state.DetachReason, err error) {
	if m.ended {
		return
	}
	m.ended = true
	m.reason = reason
	m.err = err
	close(m.events)
	close(m.done)
}
