package myaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
)

// warningCapacityThreshold is the fill ratio above which writes are reported
const warningCapacityThreshold = 0.9

// SampleBuffer is a bounded FIFO of samples between a source and the
// envelope producer. When a write does not fit, the oldest samples are
// dropped so readers always see the freshest audio.
type SampleBuffer struct {
	capacity int
	metrics  *metrics.ProducerMetrics
	logger   logger.Logger
	warnings *rate.Limiter
	notify   chan struct{}

	mu      sync.Mutex
	ring    *ringbuffer.RingBuffer
	start   int64 // stream index of the oldest buffered sample
	written uint64
	dropped uint64
	closed  bool
	scratch []byte
}

// BufferOption configures a SampleBuffer
type BufferOption func(*SampleBuffer)

// WithBufferMetrics reports writes, drops, gaps and fill level
func WithBufferMetrics(m *metrics.ProducerMetrics) BufferOption {
	return func(b *SampleBuffer) { b.metrics = m }
}

// WithBufferLogger sets the logger used for drop warnings
func WithBufferLogger(log logger.Logger) BufferOption {
	return func(b *SampleBuffer) { b.logger = log }
}

// NewSampleBuffer allocates a buffer holding up to capacity samples
func NewSampleBuffer(capacity int, opts ...BufferOption) (*SampleBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Newf("invalid capacity: %d, must be greater than 0", capacity).
			Component("myaudio").
			Category(errors.CategoryValidation).
			Build()
	}

	b := &SampleBuffer{
		capacity: capacity,
		ring:     ringbuffer.New(capacity * bytesPerSample),
		notify:   make(chan struct{}, 1),
		warnings: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Global().Module("audio")
	}
	return b, nil
}

// Capacity returns the maximum number of buffered samples
func (b *SampleBuffer) Capacity() int {
	return b.capacity
}

// Len returns the number of buffered samples
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Write appends samples, dropping the oldest buffered samples if needed.
// Writes after Close are ignored.
func (b *SampleBuffer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	dropped := 0
	if excess := len(samples) - b.capacity; excess > 0 {
		// the input alone overflows the buffer: keep only its tail
		dropped = b.lenLocked() + excess
		b.start += int64(dropped)
		b.ring.Reset()
		samples = samples[excess:]
	} else if free := b.ring.Free() / bytesPerSample; len(samples) > free {
		dropped = len(samples) - free
		b.discardLocked(dropped)
	}

	data := b.encode(samples)
	if _, err := b.ring.Write(data); err != nil {
		// space was made above, so this only happens on a broken invariant
		b.logger.Error("sample buffer write failed",
			logger.Error(err),
			logger.Int("samples", len(samples)))
	}
	b.written += uint64(len(samples))
	b.dropped += uint64(dropped)
	fill := float64(b.ring.Length()) / float64(b.ring.Capacity())
	b.mu.Unlock()

	b.metrics.SamplesWritten(len(samples))
	b.metrics.BufferFill(fill)
	if dropped > 0 {
		b.metrics.SamplesDropped(dropped)
		if b.warnings.Allow() {
			b.logger.Warn("sample buffer overflow, oldest samples dropped",
				logger.Int("dropped", dropped),
				logger.Int("capacity", b.capacity),
				logger.Float64("fill", fill))
		}
	} else if fill > warningCapacityThreshold && b.warnings.Allow() {
		b.logger.Warn("sample buffer almost full",
			logger.Float64("fill", fill),
			logger.Int("capacity", b.capacity))
	}
	b.signal()
}

// Gap records n samples lost upstream. Buffered samples are discarded so a
// window never spans a discontinuity, and stream time advances past the gap.
func (b *SampleBuffer) Gap(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	discarded := b.lenLocked()
	b.start += int64(discarded + n)
	b.ring.Reset()
	b.dropped += uint64(discarded)
	b.mu.Unlock()

	b.metrics.Gap()
	if discarded > 0 {
		b.metrics.SamplesDropped(discarded)
	}
	b.logger.Debug("sample stream gap",
		logger.Int("missing", n),
		logger.Int("discarded", discarded))
}

// ReadBlock blocks until n fresh samples are buffered and returns them with
// the stream index of the first one. It never pads and never returns a
// sample twice. After Close, buffered samples can still be read until fewer
// than n remain.
func (b *SampleBuffer) ReadBlock(ctx context.Context, n int) (Window, error) {
	if n <= 0 || n > b.capacity {
		return Window{}, errors.New(fmt.Errorf("%w: %d (capacity %d)", ErrInvalidBlockSize, n, b.capacity)).
			Component("myaudio").
			Category(errors.CategoryValidation).
			Build()
	}

	for {
		b.mu.Lock()
		if b.lenLocked() >= n {
			start := b.start
			samples := b.readLocked(n)
			b.mu.Unlock()
			w := Window{Start: start, Samples: samples}
			return w, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return Window{}, ErrBufferClosed
		}

		select {
		case <-ctx.Done():
			return Window{}, ctx.Err()
		case <-b.notify:
		}
	}
}

// Close wakes blocked readers. Subsequent writes are ignored.
func (b *SampleBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// BufferStats is a snapshot of buffer counters
type BufferStats struct {
	Buffered int
	Written  uint64
	Dropped  uint64
	Next     int64
}

// Stats returns the current counters
func (b *SampleBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Buffered: b.lenLocked(),
		Written:  b.written,
		Dropped:  b.dropped,
		Next:     b.start,
	}
}

func (b *SampleBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *SampleBuffer) lenLocked() int {
	return b.ring.Length() / bytesPerSample
}

func (b *SampleBuffer) discardLocked(n int) {
	buf := b.scratchBytes(n * bytesPerSample)
	read, _ := b.ring.Read(buf)
	b.start += int64(read / bytesPerSample)
}

func (b *SampleBuffer) readLocked(n int) []float32 {
	buf := b.scratchBytes(n * bytesPerSample)
	read, err := b.ring.Read(buf)
	if err != nil || read != len(buf) {
		b.logger.Error("short read from sample buffer",
			logger.Int("want", len(buf)),
			logger.Int("got", read),
			logger.Error(err))
	}
	samples := make([]float32, read/bytesPerSample)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*bytesPerSample:]))
	}
	b.start += int64(len(samples))
	return samples
}

func (b *SampleBuffer) encode(samples []float32) []byte {
	buf := b.scratchBytes(len(samples) * bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*bytesPerSample:], math.Float32bits(s))
	}
	return buf
}

// scratchBytes returns a reusable byte slice of length n (buffer lock required)
func (b *SampleBuffer) scratchBytes(n int) []byte {
	if cap(b.scratch) < n {
		b.scratch = make([]byte, n)
	}
	return b.scratch[:n]
}
