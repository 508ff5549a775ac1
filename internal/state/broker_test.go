package state

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/schema"
)

func TestFilterMatch(t *testing.T) {
	t.Parallel()

	values := schema.Values{"name": "thing", "rms": 0.0, "vizData": nil}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"schema only", Filter{Schema: "player"}, true},
		{"other schema", Filter{Schema: "mixer"}, false},
		{"equal field", Filter{Schema: "player", Where: schema.Values{"name": "thing"}}, true},
		{"different field", Filter{Schema: "player", Where: schema.Values{"name": "other"}}, false},
		{"null field", Filter{Schema: "player", Where: schema.Values{"vizData": nil}}, true},
		{"missing field", Filter{Schema: "player", Where: schema.Values{"volume": 1.0}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match("player", values))
		})
	}
}

func TestObserveDiscoversFutureInstances(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName, Where: schema.Values{"name": "thing"}}, viewer)
	require.NoError(t, err)
	defer obs.Close()

	createPlayer(t, s, "other")
	want := createPlayer(t, s, "thing")

	select {
	case a := <-obs.Attachments():
		assert.Equal(t, want.ID, a.InstanceID())
		assert.Equal(t, viewer, a.Party())
		assert.Equal(t, schema.PlayerSchemaName, a.Schema())
		assert.Equal(t, want.Values, a.Snapshot().Values)
	case <-time.After(time.Second):
		require.FailNow(t, "new instance was not pushed to the observer")
	}

	select {
	case a := <-obs.Attachments():
		require.FailNow(t, "unexpected discovery", "instance %d", a.InstanceID())
	default:
	}
}

func TestObserveBackfillUsesCurrentValues(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	snap := createPlayer(t, s, "draft")
	_, err := s.Update(ctx, snap.ID, schema.Values{"name": "thing"}, owner)
	require.NoError(t, err)

	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName, Where: schema.Values{"name": "thing"}}, viewer)
	require.NoError(t, err)
	defer obs.Close()

	a := <-obs.Attachments()
	assert.Equal(t, uint64(1), a.Snapshot().Seq)
	assert.Equal(t, "thing", a.Snapshot().Values["name"])
}

func TestObserveValidatesFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Observe(ctx, Filter{Schema: "nope"}, viewer)
	require.ErrorIs(t, err, ErrUnknownSchema)

	_, err = s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName, Where: schema.Values{"volume": 1}}, viewer)
	require.ErrorIs(t, err, ErrUnknownField)

	// integer literals are normalized to the field type before matching
	snap, err := s.Create(ctx, schema.PlayerSchemaName, schema.Values{"rms": 1.0}, owner)
	require.NoError(t, err)
	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName, Where: schema.Values{"rms": 1}}, viewer)
	require.NoError(t, err)
	defer obs.Close()
	assert.Equal(t, snap.ID, (<-obs.Attachments()).InstanceID())
}

func TestObserverCloseReleasesPendingAttachments(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName}, viewer)
	require.NoError(t, err)

	received := createPlayer(t, s, "a")
	createPlayer(t, s, "b")

	a := <-obs.Attachments()
	require.Equal(t, received.ID, a.InstanceID())

	obs.Close()
	obs.Close()
	assert.Equal(t, ReasonDetached, obs.Reason())
	assert.Equal(t, 1, s.Stats().Attachments, "only the received attachment stays")

	createPlayer(t, s, "c")
	assert.Equal(t, 1, s.Stats().Attachments, "a closed observer discovers nothing")
	assert.Equal(t, 0, s.Stats().Observers)
}

func TestObserverOverflow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithObserverQueueSize(2))
	ctx := t.Context()

	obs, err := s.Observe(ctx, Filter{Schema: schema.PlayerSchemaName}, viewer)
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		createPlayer(t, s, name)
	}

	var got []*Attachment
	for a := range obs.Attachments() {
		got = append(got, a)
	}
	assert.Len(t, got, 2, "buffered discoveries are still delivered")
	assert.Equal(t, ReasonOverflow, obs.Reason())
	assert.Equal(t, 2, s.Stats().Attachments)
}

func TestDetachIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	first, err := s.Attach(ctx, snap.ID, viewer)
	require.NoError(t, err)
	second, err := s.Attach(ctx, snap.ID, viewer)
	require.NoError(t, err)
	other, err := s.Attach(ctx, snap.ID, "other")
	require.NoError(t, err)

	require.NoError(t, s.Detach(snap.ID, viewer))
	require.NoError(t, s.Detach(snap.ID, viewer))
	require.NoError(t, s.Detach(999, viewer))

	for _, a := range []*Attachment{first, second} {
		_, ok := <-a.Events()
		assert.False(t, ok)
		assert.Equal(t, ReasonDetached, a.Reason())
	}

	_, err = s.Update(ctx, snap.ID, schema.Values{"rms": 0.5}, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receive(t, other).Seq)

	other.Close()
	other.Close()
	assert.Equal(t, 0, s.Stats().Attachments)
}

func TestOverflowDetachesOnlySlowParty(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := metrics.NewStateMetrics(registry)
	require.NoError(t, err)

	const queueSize = 4
	s := newTestStore(t, WithQueueSize(queueSize), WithMetrics(m))
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	slow, err := s.Attach(ctx, snap.ID, "slow")
	require.NoError(t, err)
	fast, err := s.Attach(ctx, snap.ID, "fast")
	require.NoError(t, err)

	for i := range queueSize + 2 {
		ev, err := s.Update(ctx, snap.ID, schema.Values{"rms": float64(i)}, owner)
		require.NoError(t, err, "a slow party must never fail the producer")
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, uint64(i+1), receive(t, fast).Seq)
	}

	var seqs []uint64
	for ev := range slow.Events() {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
	assert.Equal(t, ReasonOverflow, slow.Reason())
	assert.Equal(t, 1, s.Stats().Attachments)

	expected := `
# HELP statesync_detaches_total Attachments ended, by reason
# TYPE statesync_detaches_total counter
statesync_detaches_total{reason="overflow"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "statesync_detaches_total"))
}

func TestPartiesSeeIdenticalOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithQueueSize(1024))
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	const (
		parties = 5
		updates = 500
	)

	results := make([][]uint64, parties)
	var wg sync.WaitGroup
	for p := range parties {
		a, err := s.Attach(ctx, snap.ID, PartyID(fmt.Sprintf("party-%d", p)))
		require.NoError(t, err)
		wg.Go(func() {
			for ev := range a.Events() {
				if ev.Kind == EventUpdate {
					results[p] = append(results[p], ev.Seq)
				}
			}
		})
	}

	for i := range updates {
		_, err := s.Update(ctx, snap.ID, schema.Values{"rms": float64(i)}, owner)
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(ctx, snap.ID, owner))
	wg.Wait()

	for p := range parties {
		require.Len(t, results[p], updates)
		for i, seq := range results[p] {
			require.Equal(t, uint64(i+1), seq, "party %d saw sequence out of order", p)
		}
	}
}

func TestSnapshotPlusDiffsEqualsLiveState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithQueueSize(1024))
	ctx := t.Context()
	snap := createPlayer(t, s, "thing")

	const updates = 300
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range updates {
			fields := schema.Values{"rms": float64(i)}
			if i%7 == 0 {
				fields["vizData"] = map[string]any{"time": float64(i), "min": -1.0, "max": 1.0}
			}
			if _, err := s.Update(ctx, snap.ID, fields, owner); err != nil {
				assert.NoError(t, err)
				return
			}
		}
	}()

	// attach while updates are in flight
	time.Sleep(time.Millisecond)
	a, err := s.Attach(ctx, snap.ID, viewer)
	require.NoError(t, err)
	<-done

	mirror := a.Snapshot()
	live, err := s.Get(snap.ID)
	require.NoError(t, err)

	for mirror.Seq < live.Seq {
		ev := receive(t, a)
		require.Equal(t, mirror.Seq+1, ev.Seq, "diffs must continue exactly from the snapshot")
		maps.Copy(mirror.Values, ev.Fields)
		mirror.Seq = ev.Seq
	}
	assert.Equal(t, live.Values, mirror.Values)
}
