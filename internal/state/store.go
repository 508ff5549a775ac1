package state

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/schema"
)

const (
	// DefaultQueueSize is the number of diffs an attachment may hold before
	// its consumer is considered too slow and detached.
	DefaultQueueSize = 256
	// DefaultObserverQueueSize bounds undelivered discovery pushes per observer
	DefaultObserverQueueSize = 64
	// DefaultTombstoneTTL is how long a deleted id keeps its deletion cause
	DefaultTombstoneTTL = 10 * time.Minute
)

// deletion causes recorded in tombstones and logs
const (
	causeDeleted           = "deleted"
	causeOwnerDisconnected = "owner_disconnected"
	causeStoreClosed       = "store_closed"
)

type lifecycle uint8

const (
	lifecycleNew lifecycle = iota
	lifecycleOpen
	lifecycleClosed
)

// instance is the store-internal record of a state instance.
// Lock order: instance.mu before Store.mu; Observer.mu is a leaf.
type instance struct {
	id      uint64
	schema  string
	owner   PartyID
	created time.Time

	mu          sync.Mutex
	values      schema.Values // replaced on every update, never mutated in place
	seq         uint64
	deleted     bool
	attachments []*Attachment
}

func (inst *instance) snapshotLocked() Snapshot {
	return Snapshot{
		ID:     inst.id,
		Schema: inst.schema,
		Owner:  inst.owner,
		Seq:    inst.seq,
		Values: inst.values.Clone(),
	}
}

// Store holds every live instance plus the attachments and observers
// subscribed to them. A Store must be opened before use and cannot be
// reopened once closed.
type Store struct {
	registry *schema.Registry
	logger   logger.Logger
	metrics  *metrics.StateMetrics

	queueSize         int
	observerQueueSize int
	tombstoneTTL      time.Duration

	nextID     atomic.Uint64
	nextHandle atomic.Uint64
	tombstones *cache.Cache
	warnLimit  *rate.Limiter

	mu        sync.RWMutex
	lifecycle lifecycle
	instances map[uint64]*instance
	observers []*Observer
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.logger = log }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *metrics.StateMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithQueueSize sets the per-attachment diff queue length
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithObserverQueueSize sets the per-observer discovery queue length
func WithObserverQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.observerQueueSize = n
		}
	}
}

// WithTombstoneTTL sets how long deleted ids remember why they were deleted
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.tombstoneTTL = ttl
		}
	}
}

// NewStore creates a store validating against registry. Call Open before use.
func NewStore(registry *schema.Registry, opts ...Option) *Store {
	s := &Store{
		registry:          registry,
		queueSize:         DefaultQueueSize,
		observerQueueSize: DefaultObserverQueueSize,
		tombstoneTTL:      DefaultTombstoneTTL,
		warnLimit:         rate.NewLimiter(rate.Every(time.Second), 5),
		instances:         make(map[uint64]*instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Global().Module("state")
	}
	s.tombstones = cache.New(s.tombstoneTTL, 2*s.tombstoneTTL)
	return s
}

// Registry returns the schema registry the store validates against
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Open makes the store accept operations
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.lifecycle {
	case lifecycleOpen:
		return nil
	case lifecycleClosed:
		return s.closedError("open")
	}
	s.lifecycle = lifecycleOpen
	s.logger.Info("state store opened",
		logger.Int("queue_size", s.queueSize),
		logger.Any("schemas", s.registry.Names()))
	return nil
}

// Close deletes every instance, which queues a terminal event on every
// attachment, and closes every observer. Further operations return
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.lifecycle == lifecycleClosed {
		s.mu.Unlock()
		return nil
	}
	s.lifecycle = lifecycleClosed
	instances := s.sortedInstancesLocked()
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()

	for _, inst := range instances {
		_ = s.destroy(inst, causeStoreClosed)
	}
	for _, o := range observers {
		o.shutdown(ReasonStoreClosed)
	}
	s.tombstones.Flush()

	s.logger.Info("state store closed",
		logger.Int("instances_deleted", len(instances)),
		logger.Int("observers_closed", len(observers)))
	return nil
}

// Create validates initial values, stores a new instance owned by owner and
// announces it to every matching observer.
func (s *Store) Create(ctx context.Context, schemaName string, initial schema.Values, owner PartyID) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	values, err := s.registry.ValidateCreate(schemaName, initial)
	if err != nil {
		s.metrics.Rejected(metrics.OpCreate, Code(err))
		return Snapshot{}, err
	}

	inst := &instance{
		id:      s.nextID.Add(1),
		schema:  schemaName,
		owner:   owner,
		created: time.Now(),
		values:  values,
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	s.mu.Lock()
	if s.lifecycle != lifecycleOpen {
		s.mu.Unlock()
		return Snapshot{}, s.closedError(metrics.OpCreate)
	}
	s.instances[inst.id] = inst
	observers := s.liveObserversLocked()
	s.mu.Unlock()

	s.metrics.InstanceCreated(schemaName)
	s.logger.Debug("instance created",
		logger.Uint64("instance_id", inst.id),
		logger.String("schema", schemaName),
		logger.String("owner", string(owner)))

	for _, o := range observers {
		if o.filter.Match(schemaName, values) {
			s.attachObserverLocked(inst, o)
		}
	}
	return inst.snapshotLocked(), nil
}

// Update applies a partial update on behalf of requester. On success the
// diff carries the next sequence number and has been queued on every
// attachment. An empty update is a no-op and returns a zero Event.
func (s *Store) Update(ctx context.Context, id uint64, partial schema.Values, requester PartyID) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	inst, err := s.lookup(id, metrics.OpUpdate)
	if err != nil {
		return Event{}, err
	}
	if inst.owner != requester {
		return Event{}, s.notOwnerError(inst, requester, metrics.OpUpdate)
	}
	if len(partial) == 0 {
		return Event{}, nil
	}

	fields, err := s.registry.ValidateUpdate(inst.schema, partial)
	if err != nil {
		s.metrics.Rejected(metrics.OpUpdate, Code(err))
		return Event{}, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.deleted {
		return Event{}, s.notFoundError(id, metrics.OpUpdate)
	}

	next := inst.values.Clone()
	maps.Copy(next, fields)
	inst.values = next
	inst.seq++

	ev := Event{
		InstanceID: inst.id,
		Schema:     inst.schema,
		Kind:       EventUpdate,
		Seq:        inst.seq,
		Fields:     fields,
	}

	start := time.Now()
	receivers := s.fanOutLocked(inst, ev)
	s.metrics.UpdateAccepted(inst.schema, ev.Seq, time.Since(start), receivers)

	s.logger.Trace("update accepted",
		logger.Uint64("instance_id", id),
		logger.Uint64("seq", ev.Seq),
		logger.Int("receivers", receivers))
	return ev, nil
}

// Delete destroys an instance on behalf of its owner. Every attachment
// receives exactly one terminal event and is then closed.
func (s *Store) Delete(ctx context.Context, id uint64, requester PartyID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inst, err := s.lookup(id, metrics.OpDelete)
	if err != nil {
		return err
	}
	if inst.owner != requester {
		return s.notOwnerError(inst, requester, metrics.OpDelete)
	}
	return s.destroy(inst, causeDeleted)
}

// Get returns a snapshot of an instance
func (s *Store) Get(id uint64) (Snapshot, error) {
	inst, err := s.lookup(id, "get")
	if err != nil {
		return Snapshot{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted {
		return Snapshot{}, s.notFoundError(id, "get")
	}
	return inst.snapshotLocked(), nil
}

// List returns snapshots of every live instance of schemaName, or of all
// instances when schemaName is empty, ordered by id.
func (s *Store) List(schemaName string) []Snapshot {
	s.mu.RLock()
	instances := s.sortedInstancesLocked()
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(instances))
	for _, inst := range instances {
		if schemaName != "" && inst.schema != schemaName {
			continue
		}
		inst.mu.Lock()
		if !inst.deleted {
			out = append(out, inst.snapshotLocked())
		}
		inst.mu.Unlock()
	}
	return out
}

// Tombstone reports why a no longer existing id was deleted, while the
// tombstone is retained.
func (s *Store) Tombstone(id uint64) (string, bool) {
	v, ok := s.tombstones.Get(strconv.FormatUint(id, 10))
	if !ok {
		return "", false
	}
	cause, ok := v.(string)
	return cause, ok
}

// Disconnect handles the loss of a party: its observers are closed, its
// attachments detached and every instance it owns is deleted.
func (s *Store) Disconnect(party PartyID) {
	s.mu.Lock()
	var partyObservers []*Observer
	s.observers = slices.DeleteFunc(s.observers, func(o *Observer) bool {
		if o.party == party {
			partyObservers = append(partyObservers, o)
			return true
		}
		return false
	})
	instances := s.sortedInstancesLocked()
	s.mu.Unlock()

	for _, o := range partyObservers {
		o.shutdown(ReasonDisconnected)
	}

	var detached, deleted int
	for _, inst := range instances {
		inst.mu.Lock()
		detached += s.detachPartyLocked(inst, party, ReasonDisconnected)
		owned := inst.owner == party && !inst.deleted
		inst.mu.Unlock()

		if owned && s.destroy(inst, causeOwnerDisconnected) == nil {
			deleted++
		}
	}

	if len(partyObservers)+detached+deleted > 0 {
		s.logger.Info("party disconnected",
			logger.String("party", string(party)),
			logger.Int("observers_closed", len(partyObservers)),
			logger.Int("attachments_detached", detached),
			logger.Int("instances_deleted", deleted))
	}
}

// Stats reports live counts for health endpoints
type Stats struct {
	Instances   int `json:"instances"`
	Attachments int `json:"attachments"`
	Observers   int `json:"observers"`
}

// Stats returns the current live counts
func (s *Store) Stats() Stats {
	s.mu.RLock()
	instances := s.sortedInstancesLocked()
	observers := len(s.observers)
	s.mu.RUnlock()

	st := Stats{Instances: len(instances), Observers: observers}
	for _, inst := range instances {
		inst.mu.Lock()
		st.Attachments += len(inst.attachments)
		inst.mu.Unlock()
	}
	return st
}

// destroy marks an instance deleted, queues the terminal event on every
// attachment and removes the instance from the store.
func (s *Store) destroy(inst *instance, cause string) error {
	inst.mu.Lock()
	if inst.deleted {
		inst.mu.Unlock()
		return s.notFoundError(inst.id, metrics.OpDelete)
	}
	inst.deleted = true
	inst.seq++
	terminal := Event{
		InstanceID: inst.id,
		Schema:     inst.schema,
		Kind:       EventDeleted,
		Seq:        inst.seq,
	}
	attachments := inst.attachments
	inst.attachments = nil
	for _, a := range attachments {
		// the reserved slot guarantees this send never blocks
		a.events <- terminal
		a.closeLocked(ReasonDeleted)
		s.metrics.Detached(inst.schema, string(ReasonDeleted))
	}
	inst.mu.Unlock()

	s.tombstones.SetDefault(strconv.FormatUint(inst.id, 10), cause)
	s.mu.Lock()
	delete(s.instances, inst.id)
	s.mu.Unlock()

	s.metrics.InstanceDeleted(inst.schema)
	s.metrics.TerminalQueued(inst.schema, len(attachments))
	s.logger.Debug("instance deleted",
		logger.Uint64("instance_id", inst.id),
		logger.String("cause", cause),
		logger.Int("attachments", len(attachments)))
	return nil
}

func (s *Store) lookup(id uint64, operation string) (*instance, error) {
	s.mu.RLock()
	if s.lifecycle != lifecycleOpen {
		s.mu.RUnlock()
		return nil, s.closedError(operation)
	}
	inst, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil, s.notFoundError(id, operation)
	}
	return inst, nil
}

// sortedInstancesLocked returns the live instances ordered by id (read lock required)
func (s *Store) sortedInstancesLocked() []*instance {
	out := slices.Collect(maps.Values(s.instances))
	slices.SortFunc(out, func(a, b *instance) int { return cmp.Compare(a.id, b.id) })
	return out
}

// liveObserversLocked prunes observers closed by overflow (write lock required)
func (s *Store) liveObserversLocked() []*Observer {
	s.observers = slices.DeleteFunc(s.observers, (*Observer).isClosed)
	return slices.Clone(s.observers)
}

func (s *Store) notFoundError(id uint64, operation string) error {
	s.metrics.Rejected(operation, "not_found")
	b := errors.New(fmt.Errorf("%w: %d", ErrNotFound, id)).
		Component("state").
		Category(errors.CategoryNotFound).
		Context("instance_id", id).
		Context("operation", operation)
	if cause, ok := s.Tombstone(id); ok {
		b = b.Context("cause", cause)
	}
	return b.Build()
}

func (s *Store) notOwnerError(inst *instance, requester PartyID, operation string) error {
	s.metrics.Rejected(operation, "not_owner")
	return errors.New(fmt.Errorf("%w: %d", ErrNotOwner, inst.id)).
		Component("state").
		Category(errors.CategoryConflict).
		Context("instance_id", inst.id).
		Context("requester", string(requester)).
		Context("operation", operation).
		Build()
}

func (s *Store) closedError(operation string) error {
	s.metrics.Rejected(operation, "closed")
	return errors.New(ErrStoreClosed).
		Component("state").
		Category(errors.CategoryState).
		Context("operation", operation).
		Build()
}

// Writer is an owner-bound handle for updating one instance in-process
type Writer struct {
	store *Store
	id    uint64
	owner PartyID
}

// Writer returns a handle that updates instance id as owner
func (s *Store) Writer(id uint64, owner PartyID) *Writer {
	return &Writer{store: s, id: id, owner: owner}
}

// ID returns the instance id the writer targets
func (w *Writer) ID() uint64 { return w.id }

// Update applies a partial update to the writer's instance
func (w *Writer) Update(ctx context.Context, values schema.Values) error {
	_, err := w.store.Update(ctx, w.id, values, w.owner)
	return err
}

// Delete deletes the writer's instance
func (w *Writer) Delete(ctx context.Context) error {
	return w.store.Delete(ctx, w.id, w.owner)
}
