package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/envelope"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
)

// burst is one production cycle: sample rate 1000, block size 128, depth 4
var burst = []envelope.Block{
	{Time: 0, Min: -0.5, Max: 0.5},
	{Time: 0.128, Min: -1, Max: 0.2},
	{Time: 0.256, Min: 0, Max: 1},
	{Time: 0.384, Min: -0.1, Max: -0.05},
}

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRendererOrdersByTime(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, WithWidth(21), WithReorderWindow(2), WithLogger(logger.NewDiscardLogger()))

	for _, i := range []int{1, 0, 3, 2} {
		r.Push(burst[i])
	}
	assert.Equal(t, uint64(2), r.Lines(), "two blocks leave the reorder window")
	require.NoError(t, r.Flush())

	newGoldie(t).Assert(t, "burst", out.Bytes())
	assert.Equal(t, uint64(4), r.Lines())
	assert.Zero(t, r.Dropped())
}

func TestRendererDropsLateAndDuplicateBlocks(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, WithReorderWindow(1), WithLogger(logger.NewDiscardLogger()))

	r.Push(burst[0])
	r.Push(burst[2])
	r.Push(burst[2])
	r.Push(burst[1]) // newer than the drawn block, still reordered
	require.NoError(t, r.Flush())
	assert.Equal(t, uint64(3), r.Lines())
	assert.Equal(t, uint64(1), r.Dropped())

	r.Push(envelope.Block{Time: 0.1})
	assert.Equal(t, uint64(2), r.Dropped())
	assert.Equal(t, 3, strings.Count(out.String(), "\n"))
}

func TestRendererCoalesces(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, WithWidth(21), WithReorderWindow(0), WithCoalesce(2), WithLogger(logger.NewDiscardLogger()))

	r.Push(burst[0])
	assert.Zero(t, r.Lines(), "a partial group waits for its second block")
	for _, b := range burst[1:] {
		r.Push(b)
	}
	require.NoError(t, r.Flush())

	newGoldie(t).Assert(t, "coalesced", out.Bytes())
}

func TestRendererUpdateReadsBlockField(t *testing.T) {
	var out bytes.Buffer
	r := New(&out, WithReorderWindow(0), WithLogger(logger.NewDiscardLogger()))

	r.Update(state.Event{Kind: state.EventUpdate, Seq: 1, Fields: schema.Values{"rms": 0.3}})
	r.Update(state.Event{Kind: state.EventUpdate, Seq: 2, Fields: schema.Values{"vizData": "garbage"}})
	r.Update(state.Event{Kind: state.EventUpdate, Seq: 3, Fields: schema.Values{"vizData": nil}})
	r.Update(state.Event{Kind: state.EventDeleted, Seq: 4})
	assert.Zero(t, r.Lines())

	// a block decoded from JSON arrives as a map
	r.Update(state.Event{Kind: state.EventUpdate, Seq: 5, Fields: schema.Values{
		"vizData": map[string]any{"time": 1.5, "min": -0.25, "max": 0.25},
	}})
	r.Update(state.Event{Kind: state.EventUpdate, Seq: 6, Fields: schema.Values{
		"vizData": envelope.Block{Time: 1.6, Min: 0, Max: 0.1}.Value(),
	}})
	assert.Equal(t, uint64(2), r.Lines())
	assert.Contains(t, out.String(), "    1.500s |")
	assert.Contains(t, out.String(), "    1.600s |")
}

func TestCoalesce(t *testing.T) {
	assert.Equal(t, burst, Coalesce(burst, 1))
	assert.Equal(t, []envelope.Block{{Time: 0, Min: -1, Max: 1}}, Coalesce(burst, 4))
	assert.Equal(t, []envelope.Block{
		{Time: 0, Min: -1, Max: 1},
		{Time: 0.384, Min: -0.1, Max: -0.05},
	}, Coalesce(burst, 3))
	assert.Empty(t, Coalesce(nil, 2))
}

func TestLine(t *testing.T) {
	tests := []struct {
		name  string
		block envelope.Block
		want  string
	}{
		{"silence", envelope.Block{}, "    0.000s |     |     |"},
		{"full scale", envelope.Block{Time: 2, Min: -1, Max: 1}, "    2.000s |=====|=====|"},
		{"clipped", envelope.Block{Time: 2, Min: -3, Max: 3}, "    2.000s |=====|=====|"},
		{"positive only", envelope.Block{Time: 0.5, Min: 0.6, Max: 1}, "    0.500s |     .  ===|"},
		{"swapped", envelope.Block{Time: 0.5, Min: 1, Max: 0.6}, "    0.500s |     .  ===|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Line(tt.block, 11))
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestRendererReportsWriteError(t *testing.T) {
	r := New(failingWriter{}, WithReorderWindow(0), WithLogger(logger.NewDiscardLogger()))
	r.Push(burst[0])
	r.Push(burst[1])
	require.EqualError(t, r.Flush(), "closed")
	assert.Equal(t, uint64(2), r.Lines())
}
