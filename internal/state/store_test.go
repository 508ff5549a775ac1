package state

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/schema"
)

const (
	owner  PartyID = "owner"
	viewer PartyID = "viewer"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	registry := schema.NewRegistry(logger.NewDiscardLogger())
	require.NoError(t, registry.Register(schema.PlayerSchemaName, schema.PlayerSchema()))

	opts = append([]Option{WithLogger(logger.NewDiscardLogger())}, opts...)
	s := NewStore(registry, opts...)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createPlayer(t *testing.T, s *Store, name string) Snapshot {
	t.Helper()
	snap, err := s.Create(t.Context(), schema.PlayerSchemaName, schema.Values{"name": name}, owner)
	require.NoError(t, err)
	return snap
}

// receive reads one event or fails the test after a timeout
func receive(t *testing.T, a *Attachment) Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		require.True(t, ok, "attachment closed (%s)", a.Reason())
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
		return Event{}
	}
}

func TestCreateFillsDefaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	snap := createPlayer(t, s, "thing")

	assert.Equal(t, uint64(1), snap.ID)
	assert.Equal(t, owner, snap.Owner)
	assert.Equal(t, uint64(0), snap.Seq)
	assert.Equal(t, schema.Values{"name": "thing", "rms": 0.0, "vizData": nil}, snap.Values)

	second := createPlayer(t, s, "other")
	assert.Equal(t, uint64(2), second.ID)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	tests := []struct {
		name   string
		schema string
		values schema.Values
		want   error
	}{
		{"unknown schema", "nope", nil, ErrUnknownSchema},
		{"unknown field", schema.PlayerSchemaName, schema.Values{"volume": 1.0}, ErrUnknownField},
		{"wrong type", schema.PlayerSchemaName, schema.Values{"rms": "loud"}, ErrTypeMismatch},
		{"nil on non-nullable", schema.PlayerSchemaName, schema.Values{"rms": nil}, ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.schema, tt.values, owner)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, s.List(""), "rejected creates must not leave instances behind")
}

func TestPlayerScenario(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	created := createPlayer(t, s, "thing")

	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName, Where: schema.Values{"name": "thing"}}, viewer)
	require.NoError(t, err)
	defer obs.Close()

	var a *Attachment
	select {
	case a = <-obs.Attachments():
	case <-time.After(time.Second):
		require.FailNow(t, "instance was not discovered")
	}
	assert.Equal(t, created.ID, a.InstanceID())
	assert.Equal(t, created.Values, a.Snapshot().Values)

	first := map[string]any{"time": 0.0, "min": -0.2, "max": 0.3}
	second := map[string]any{"time": 0.0128, "min": -0.1, "max": 0.25}

	ev, err := s.Update(ctx, created.ID, schema.Values{"vizData": first}, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)
	_, err = s.Update(ctx, created.ID, schema.Values{"vizData": second}, owner)
	require.NoError(t, err)

	got := receive(t, a)
	assert.Equal(t, EventUpdate, got.Kind)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, schema.Values{"vizData": first}, got.Fields)

	got = receive(t, a)
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, schema.Values{"vizData": second}, got.Fields)
}

func TestUpdateRejections(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	_, err := s.Update(ctx, snap.ID, schema.Values{"rms": 0.5}, viewer)
	require.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	_, err = s.Update(ctx, snap.ID, schema.Values{"rms": 0.5, "bogus": 1}, owner)
	require.ErrorIs(t, err, ErrUnknownField)

	_, err = s.Update(ctx, snap.ID, schema.Values{"rms": 0.5, "name": 7}, owner)
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.Update(ctx, snap.ID, schema.Values{"rms": math.NaN()}, owner)
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.Update(ctx, snap.ID, schema.Values{"rms": math.Inf(1), "name": "other"}, owner)
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.Update(ctx, 999, schema.Values{"rms": 0.5}, owner)
	require.ErrorIs(t, err, ErrNotFound)

	current, err := s.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Values, current.Values, "rejected updates must not partially apply")
	assert.Equal(t, uint64(0), current.Seq)
}

func TestEmptyUpdateIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	a, err := s.Attach(ctx, snap.ID, viewer)
	require.NoError(t, err)

	ev, err := s.Update(ctx, snap.ID, schema.Values{}, owner)
	require.NoError(t, err)
	assert.Equal(t, Event{}, ev)

	ev, err = s.Update(ctx, snap.ID, schema.Values{"rms": 1}, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq, "empty update must not consume a sequence number")
	assert.Equal(t, 1.0, receive(t, a).Fields["rms"])
}

func TestUpdateNormalizesNumbers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	snap := createPlayer(t, s, "thing")

	_, err := s.Update(t.Context(), snap.ID, schema.Values{"rms": float32(0.5)}, owner)
	require.NoError(t, err)

	current, err := s.Get(snap.ID)
	require.NoError(t, err)
	assert.IsType(t, float64(0), current.Values["rms"])
}

func TestSnapshotsDoNotAliasLiveValues(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	snap := createPlayer(t, s, "thing")

	snap.Values["name"] = "mutated"
	current, err := s.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "thing", current.Values["name"])
}

func TestDeleteBroadcastsTerminalOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	parties := []PartyID{"p1", "p2", "p3"}
	attachments := make([]*Attachment, 0, len(parties))
	for _, p := range parties {
		a, err := s.Attach(ctx, snap.ID, p)
		require.NoError(t, err)
		attachments = append(attachments, a)
	}

	for range 3 {
		_, err := s.Update(ctx, snap.ID, schema.Values{"rms": 0.1}, owner)
		require.NoError(t, err)
	}

	require.ErrorIs(t, s.Delete(ctx, snap.ID, viewer), ErrNotOwner)
	require.NoError(t, s.Delete(ctx, snap.ID, owner))

	for _, a := range attachments {
		var events []Event
		for ev := range a.Events() {
			events = append(events, ev)
		}
		require.Len(t, events, 4)
		terminal := events[3]
		assert.Equal(t, EventDeleted, terminal.Kind)
		assert.Equal(t, uint64(4), terminal.Seq)
		assert.Equal(t, ReasonDeleted, a.Reason())
	}

	_, err := s.Update(ctx, snap.ID, schema.Values{"rms": 0.2}, owner)
	require.ErrorIs(t, err, ErrNotFound)
	cause, ok := errors.ContextValue(err, "cause")
	require.True(t, ok)
	assert.Equal(t, "deleted", cause)

	require.ErrorIs(t, s.Delete(ctx, snap.ID, owner), ErrNotFound)
	_, err = s.Attach(ctx, snap.ID, viewer)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteWinsRaceWithUpdates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	a, err := s.Attach(ctx, snap.ID, viewer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range 200 {
			if _, err := s.Update(ctx, snap.ID, schema.Values{"rms": float64(i)}, owner); err != nil {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
		}
	})
	wg.Go(func() {
		time.Sleep(time.Millisecond)
		assert.NoError(t, s.Delete(ctx, snap.ID, owner))
	})

	var last Event
	count := 0
	for ev := range a.Events() {
		require.NotEqual(t, EventDeleted, last.Kind, "no event may follow the terminal event")
		last = ev
		count++
	}
	wg.Wait()

	assert.Equal(t, EventDeleted, last.Kind)
	assert.Equal(t, uint64(count), last.Seq)
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	registry := schema.NewRegistry(logger.NewDiscardLogger())
	require.NoError(t, registry.Register(schema.PlayerSchemaName, schema.PlayerSchema()))
	s := NewStore(registry, WithLogger(logger.NewDiscardLogger()))
	ctx := t.Context()

	_, err := s.Create(ctx, schema.PlayerSchemaName, nil, owner)
	require.ErrorIs(t, err, ErrStoreClosed, "a store that was never opened rejects operations")

	require.NoError(t, s.Open())
	require.NoError(t, s.Open(), "opening twice is harmless")

	snap, err := s.Create(ctx, schema.PlayerSchemaName, nil, owner)
	require.NoError(t, err)
	a, err := s.Attach(ctx, snap.ID, viewer)
	require.NoError(t, err)
	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName}, viewer)
	require.NoError(t, err)
	<-obs.Attachments()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ev, ok := <-a.Events()
	require.True(t, ok)
	assert.Equal(t, EventDeleted, ev.Kind)
	_, ok = <-a.Events()
	assert.False(t, ok)

	_, ok = <-obs.Attachments()
	assert.False(t, ok)
	assert.Equal(t, ReasonStoreClosed, obs.Reason())

	_, err = s.Update(ctx, snap.ID, schema.Values{"rms": 1}, owner)
	require.ErrorIs(t, err, ErrStoreClosed)
	require.ErrorIs(t, s.Open(), ErrStoreClosed)
}

func TestDisconnectReleasesParty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	owned := createPlayer(t, s, "thing")
	foreign, err := s.Create(ctx, schema.PlayerSchemaName, schema.Values{"name": "theirs"}, viewer)
	require.NoError(t, err)

	ownerView, err := s.Attach(ctx, foreign.ID, owner)
	require.NoError(t, err)
	viewerView, err := s.Attach(ctx, owned.ID, viewer)
	require.NoError(t, err)
	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName, Where: schema.Values{"name": "nobody"}}, owner)
	require.NoError(t, err)

	s.Disconnect(owner)

	_, ok := <-ownerView.Events()
	assert.False(t, ok, "the disconnected party's attachments are closed without a terminal event")
	assert.Equal(t, ReasonDisconnected, ownerView.Reason())

	_, ok = <-obs.Attachments()
	assert.False(t, ok)
	assert.Equal(t, ReasonDisconnected, obs.Reason())

	ev := receive(t, viewerView)
	assert.Equal(t, EventDeleted, ev.Kind, "instances of the disconnected owner are deleted")

	_, err = s.Get(owned.ID)
	require.ErrorIs(t, err, ErrNotFound)
	cause, ok := s.Tombstone(owned.ID)
	require.True(t, ok)
	assert.Equal(t, "owner_disconnected", cause)

	_, err = s.Get(foreign.ID)
	require.NoError(t, err, "instances of other owners survive")
}

func TestListAndStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	a := createPlayer(t, s, "a")
	b := createPlayer(t, s, "b")
	_, err := s.Attach(ctx, a.ID, viewer)
	require.NoError(t, err)

	list := s.List(schema.PlayerSchemaName)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Empty(t, s.List("other"))

	stats := s.Stats()
	assert.Equal(t, 2, stats.Instances)
	assert.Equal(t, 1, stats.Attachments)
}

func TestWriter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	w := s.Writer(snap.ID, owner)
	assert.Equal(t, snap.ID, w.ID())
	require.NoError(t, w.Update(ctx, schema.Values{"rms": 0.25}))

	current, err := s.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, current.Values["rms"])

	require.ErrorIs(t, s.Writer(snap.ID, viewer).Update(ctx, schema.Values{"rms": 1}), ErrNotOwner)
	require.NoError(t, w.Delete(ctx))
	require.ErrorIs(t, w.Update(ctx, schema.Values{"rms": 1}), ErrNotFound)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.Create(ctx, schema.PlayerSchemaName, nil, owner)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{
		ErrDuplicateSchema, ErrUnknownSchema, ErrInvalidSchema, ErrUnknownField,
		ErrTypeMismatch, ErrNotFound, ErrNotOwner, ErrStoreClosed, ErrTransportDisconnected,
	} {
		code := Code(sentinel)
		assert.NotEqual(t, "internal", code, sentinel.Error())
		assert.Equal(t, sentinel, ErrorForCode(code))
	}
	assert.Equal(t, "internal", Code(errors.NewStd("boom")))
	assert.Empty(t, Code(nil))
	assert.NoError(t, ErrorForCode("unheard_of"))
}
