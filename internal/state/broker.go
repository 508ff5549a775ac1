package state

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/schema"
)

// Attachment is one party's subscription to one instance. Events arrive on
// a bounded channel in sequence order; the channel is closed after the
// terminal event, on detach, or when the consumer falls too far behind.
type Attachment struct {
	handle   uint64
	party    PartyID
	snapshot Snapshot
	events   chan Event
	reason   reasonHolder

	store    *Store
	inst     *instance
	observer *Observer
	// guarded by inst.mu
	closed bool
}

// InstanceID returns the id of the attached instance
func (a *Attachment) InstanceID() uint64 { return a.snapshot.ID }

// Schema returns the schema name of the attached instance
func (a *Attachment) Schema() string { return a.snapshot.Schema }

// Party returns the attached party
func (a *Attachment) Party() PartyID { return a.party }

// Snapshot returns the values at the moment of attachment. Applying every
// event received afterwards to it yields the live values.
func (a *Attachment) Snapshot() Snapshot {
	snap := a.snapshot
	snap.Values = a.snapshot.Values.Clone()
	return snap
}

// Events returns the diff channel. It is closed when the attachment ends;
// Reason tells why.
func (a *Attachment) Events() <-chan Event { return a.events }

// Reason returns why the attachment ended, or "" while it is active
func (a *Attachment) Reason() DetachReason { return a.reason.get() }

// Close detaches this attachment only. Calling Close more than once, or
// after the instance was deleted, is a no-op.
func (a *Attachment) Close() {
	a.inst.mu.Lock()
	defer a.inst.mu.Unlock()
	if a.closed {
		return
	}
	a.inst.attachments = slices.DeleteFunc(a.inst.attachments, func(x *Attachment) bool { return x == a })
	a.closeLocked(ReasonDetached)
	a.store.metrics.Detached(a.inst.schema, string(ReasonDetached))
}

// closeLocked ends the attachment (instance lock required)
func (a *Attachment) closeLocked(reason DetachReason) {
	if a.closed {
		return
	}
	a.closed = true
	a.reason.set(reason)
	close(a.events)
}

// Filter selects instances for discovery: every instance of Schema whose
// fields equal all Where entries.
type Filter struct {
	Schema string
	Where  schema.Values
}

// Match reports whether an instance of schemaName with values passes the filter
func (f Filter) Match(schemaName string, values schema.Values) bool {
	if schemaName != f.Schema {
		return false
	}
	for k, want := range f.Where {
		got, ok := values[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Observer delivers a new Attachment for every existing and future instance
// matching its filter. The channel is closed when the observer ends; any
// attachments still buffered in it remain valid and must be consumed or
// closed by the receiver.
type Observer struct {
	id     uint64
	party  PartyID
	filter Filter
	store  *Store
	reason reasonHolder

	mu     sync.Mutex
	closed bool
	ch     chan *Attachment
}

// ID returns the observer id, unique within the store
func (o *Observer) ID() uint64 { return o.id }

// Party returns the observing party
func (o *Observer) Party() PartyID { return o.party }

// Filter returns the normalized discovery filter
func (o *Observer) Filter() Filter { return o.filter }

// Attachments returns the discovery channel
func (o *Observer) Attachments() <-chan *Attachment { return o.ch }

// Reason returns why the observer ended, or "" while it is active
func (o *Observer) Reason() DetachReason { return o.reason.get() }

// Close stops discovery, closes attachments not yet received from the
// channel and unregisters the observer. Attachments already received stay
// active.
func (o *Observer) Close() {
	o.store.mu.Lock()
	o.store.observers = slices.DeleteFunc(o.store.observers, func(x *Observer) bool { return x == o })
	o.store.mu.Unlock()

	if !o.shutdown(ReasonDetached) {
		return
	}
	for a := range o.ch {
		a.Close()
	}
}

// shutdown closes the discovery channel, reporting whether this call did it
func (o *Observer) shutdown(reason DetachReason) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	o.reason.set(reason)
	close(o.ch)
	o.store.metrics.ObserverRemoved()
	return true
}

func (o *Observer) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Attach subscribes party to instance id and returns the attachment, whose
// snapshot is taken atomically with registration.
func (s *Store) Attach(ctx context.Context, id uint64, party PartyID) (*Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := s.lookup(id, metrics.OpAttach)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted {
		return nil, s.notFoundError(id, metrics.OpAttach)
	}
	a := s.newAttachmentLocked(inst, party)
	inst.attachments = append(inst.attachments, a)
	s.metrics.Attached(inst.schema)

	s.logger.Debug("party attached",
		logger.Uint64("instance_id", id),
		logger.String("party", string(party)),
		logger.Uint64("seq", inst.seq))
	return a, nil
}

// Observe registers a discovery filter for party. Matching existing
// instances are pushed immediately, judged on their current values; new
// instances are judged on their creation values.
func (s *Store) Observe(ctx context.Context, filter Filter, party PartyID) (*Observer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	where, err := s.registry.ValidateUpdate(filter.Schema, filter.Where)
	if err != nil {
		s.metrics.Rejected(metrics.OpObserve, Code(err))
		return nil, err
	}

	o := &Observer{
		id:     s.nextHandle.Add(1),
		party:  party,
		filter: Filter{Schema: filter.Schema, Where: where},
		store:  s,
		ch:     make(chan *Attachment, s.observerQueueSize),
	}

	s.mu.Lock()
	if s.lifecycle != lifecycleOpen {
		s.mu.Unlock()
		return nil, s.closedError(metrics.OpObserve)
	}
	s.observers = append(s.observers, o)
	existing := s.sortedInstancesLocked()
	s.mu.Unlock()
	s.metrics.ObserverAdded()

	// Instances created from here on are attached by Create; skipping
	// deleted ones and instances already holding an attachment for o keeps
	// the backfill free of duplicates.
	matched := 0
	for _, inst := range existing {
		inst.mu.Lock()
		if !inst.deleted && o.filter.Match(inst.schema, inst.values) && !inst.hasObserverAttachmentLocked(o) {
			if s.attachObserverLocked(inst, o) {
				matched++
			}
		}
		inst.mu.Unlock()
	}

	s.logger.Debug("observer registered",
		logger.Uint64("observer_id", o.id),
		logger.String("schema", filter.Schema),
		logger.String("party", string(party)),
		logger.Int("matched", matched))
	return o, nil
}

// Detach removes every attachment party holds on instance id. Detaching an
// unattached party or an unknown id is a no-op.
func (s *Store) Detach(id uint64, party PartyID) error {
	s.mu.RLock()
	if s.lifecycle == lifecycleClosed {
		s.mu.RUnlock()
		return s.closedError(metrics.OpDetach)
	}
	inst, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	inst.mu.Lock()
	n := s.detachPartyLocked(inst, party, ReasonDetached)
	inst.mu.Unlock()

	if n > 0 {
		s.logger.Debug("party detached",
			logger.Uint64("instance_id", id),
			logger.String("party", string(party)),
			logger.Int("attachments", n))
	}
	return nil
}

func (s *Store) newAttachmentLocked(inst *instance, party PartyID) *Attachment {
	return &Attachment{
		handle:   s.nextHandle.Add(1),
		party:    party,
		snapshot: inst.snapshotLocked(),
		// one extra slot so the terminal event always fits
		events: make(chan Event, s.queueSize+1),
		store:  s,
		inst:   inst,
	}
}

// attachObserverLocked creates an attachment for o and pushes it on the
// observer channel. A full observer channel ends the observer with
// ReasonOverflow and the instance is not attached (instance lock required).
func (s *Store) attachObserverLocked(inst *instance, o *Observer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if len(o.ch) >= cap(o.ch) {
		o.closed = true
		o.reason.set(ReasonOverflow)
		close(o.ch)
		s.metrics.ObserverRemoved()
		s.warnThrottled("observer queue overflow, observer closed",
			logger.Uint64("observer_id", o.id),
			logger.String("party", string(o.party)))
		return false
	}

	a := s.newAttachmentLocked(inst, o.party)
	a.observer = o
	inst.attachments = append(inst.attachments, a)
	o.ch <- a
	s.metrics.Attached(inst.schema)
	return true
}

func (inst *instance) hasObserverAttachmentLocked(o *Observer) bool {
	return slices.ContainsFunc(inst.attachments, func(a *Attachment) bool { return a.observer == o })
}

// detachPartyLocked closes every attachment of party on inst (instance lock required)
func (s *Store) detachPartyLocked(inst *instance, party PartyID, reason DetachReason) int {
	n := 0
	inst.attachments = slices.DeleteFunc(inst.attachments, func(a *Attachment) bool {
		if a.party != party {
			return false
		}
		a.closeLocked(reason)
		s.metrics.Detached(inst.schema, string(reason))
		n++
		return true
	})
	return n
}

// fanOutLocked queues ev on every attachment in registration order. An
// attachment whose queue is full is detached with ReasonOverflow; the others
// are unaffected (instance lock required).
func (s *Store) fanOutLocked(inst *instance, ev Event) int {
	delivered := 0
	inst.attachments = slices.DeleteFunc(inst.attachments, func(a *Attachment) bool {
		if len(a.events) < s.queueSize {
			a.events <- ev
			delivered++
			return false
		}
		a.closeLocked(ReasonOverflow)
		s.metrics.Detached(inst.schema, string(ReasonOverflow))
		s.warnThrottled("attachment queue overflow, party detached",
			logger.Uint64("instance_id", inst.id),
			logger.String("party", string(a.party)),
			logger.Uint64("seq", ev.Seq),
			logger.Int("queue_size", s.queueSize))
		return true
	})
	return delivered
}

func (s *Store) warnThrottled(msg string, fields ...logger.Field) {
	if s.warnLimit.Allow() {
		s.logger.Warn(msg, fields...)
		return
	}
	s.logger.Debug(msg, fields...)
}
