package myaudio

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/statesync/internal/logger"
)

// collectSink records everything a source writes
type collectSink struct {
	mu      sync.Mutex
	samples []float32
	gaps    int
}

func (c *collectSink) Write(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, samples...)
}

func (c *collectSink) Gap(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gaps += n
}

func (c *collectSink) Samples() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float32(nil), c.samples...)
}

// writeTestWAV writes 16-bit PCM frames with the given channel count
func writeTestWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:   data,
		Format: &audio.Format{SampleRate: rate, NumChannels: channels},
	}))
	require.NoError(t, enc.Close())
	return path
}

func TestWAVSourceDecodesMono(t *testing.T) {
	t.Parallel()

	data := make([]int, 250)
	for i := range data {
		data[i] = (i - 125) * 256
	}
	path := writeTestWAV(t, 1000, 1, data)

	src, err := OpenWAV(path, WithRealtime(false), WithWAVLogger(logger.NewDiscardLogger()))
	require.NoError(t, err)
	assert.Equal(t, AudioInfo{SampleRate: 1000, NumChannels: 1, BitDepth: 16}, src.Info())
	assert.Equal(t, 1000, src.SampleRate())

	sink := &collectSink{}
	require.NoError(t, src.Run(t.Context(), sink))

	got := sink.Samples()
	require.Len(t, got, len(data))
	for i, v := range data {
		assert.InDelta(t, float64(v)/32768.0, float64(got[i]), 1e-6)
	}
}

func TestWAVSourceDownmixesStereo(t *testing.T) {
	t.Parallel()

	// left and right cancel out on even frames, agree on odd frames
	data := []int{1000, -1000, 1000, 1000, 2000, -2000, 2000, 2000}
	path := writeTestWAV(t, 8000, 2, data)

	src, err := OpenWAV(path, WithRealtime(false), WithWAVLogger(logger.NewDiscardLogger()))
	require.NoError(t, err)

	sink := &collectSink{}
	require.NoError(t, src.Run(t.Context(), sink))
	got := sink.Samples()
	require.Len(t, got, 4)
	assert.InDelta(t, 0, got[0], 1e-6)
	assert.InDelta(t, 1000.0/32768.0, got[1], 1e-6)
	assert.InDelta(t, 0, got[2], 1e-6)
	assert.InDelta(t, 2000.0/32768.0, got[3], 1e-6)
}

func TestWAVSourceLoopStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := writeTestWAV(t, 1000, 1, make([]int, 50))

	src, err := OpenWAV(path, WithLoop(true), WithRealtime(false), WithWAVLogger(logger.NewDiscardLogger()))
	require.NoError(t, err)

	b := newTestBuffer(t, 1000)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, b) }()

	// more samples than the file holds proves it looped
	_, err = b.ReadBlock(ctx, 200)
	require.NoError(t, err)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestOpenWAVRejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	_, err := OpenWAV(filepath.Join(t.TempDir(), "missing.wav"), WithWAVLogger(logger.NewDiscardLogger()))
	require.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a RIFF header"), 0o600))
	_, err = OpenWAV(garbage, WithWAVLogger(logger.NewDiscardLogger()))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestToneSource(t *testing.T) {
	t.Parallel()

	src := &ToneSource{Rate: 1000, Frequency: 250, Amplitude: 0.5, Limit: 1000, Unpaced: true}
	sink := &collectSink{}
	require.NoError(t, src.Run(t.Context(), sink))

	got := sink.Samples()
	require.Len(t, got, 1000)
	// quarter-rate sine: 0, A, 0, -A, ...
	assert.InDelta(t, 0, got[0], 1e-6)
	assert.InDelta(t, 0.5, got[1], 1e-6)
	assert.InDelta(t, 0, got[2], 1e-6)
	assert.InDelta(t, -0.5, got[3], 1e-6)
	assert.InDelta(t, 0.5/math.Sqrt2, RMS(got), 1e-3)
}

func TestToneSourcePacing(t *testing.T) {
	t.Parallel()

	src := &ToneSource{Rate: 1000, Frequency: 10, Amplitude: 1, Limit: 100}
	start := time.Now()
	require.NoError(t, src.Run(t.Context(), &collectSink{}))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "100 samples at 1 kHz take about 100 ms")
}

func TestLevelHelpers(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0, RMS(nil), 0)
	assert.InDelta(t, 1, RMS([]float32{1, -1, 1, -1}), 1e-9)

	assert.Equal(t, 0, Level(0))
	assert.Equal(t, 0, Level(0.0001))
	assert.Equal(t, 100, Level(1))
	assert.Equal(t, 67, Level(0.05))

	lo, hi := MinMax([]float32{0.1, -0.4, 0.3, 0.2})
	assert.InDelta(t, -0.4, lo, 1e-6)
	assert.InDelta(t, 0.3, hi, 1e-6)
	lo, hi = MinMax(nil)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestConvertS16(t *testing.T) {
	t.Parallel()
	got := convertS16([]byte{0x00, 0x80, 0xff, 0x7f, 0x00, 0x00}, nil)
	require.Len(t, got, 3)
	assert.InDelta(t, -1, got[0], 1e-6)
	assert.InDelta(t, 32767.0/32768.0, got[1], 1e-6)
	assert.InDelta(t, 0, got[2], 1e-6)
	assert.Equal(t, "hw:0,0", decodeDeviceID("68773a302c30"))
}
