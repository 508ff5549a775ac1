// Package myaudio provides the audio side of the envelope producer: sample
// sources (WAV file, synthetic tone, capture device) and the bounded sample
// buffer they feed.
//
// All sources deliver mono float32 samples in [-1, 1]. Multi-channel input
// is downmixed by averaging.
package myaudio

import (
	"context"
	"time"

	"github.com/tphakala/statesync/internal/errors"
)

const (
	bytesPerSample = 4
	// DefaultChunkDuration is how much audio a paced source emits per write
	DefaultChunkDuration = 10 * time.Millisecond
)

var (
	ErrBufferClosed      = errors.NewStd("sample buffer closed")
	ErrInvalidBlockSize  = errors.NewStd("invalid block size")
	ErrUnsupportedFormat = errors.NewStd("unsupported audio format")
	ErrDeviceNotFound    = errors.NewStd("capture device not found")
	ErrDeviceStopped     = errors.NewStd("capture device stopped")
)

// SampleSink receives samples from a Source
type SampleSink interface {
	// Write appends samples in stream order. The slice is only valid for
	// the duration of the call.
	Write(samples []float32)
	// Gap reports n samples that were lost upstream
	Gap(n int)
}

// Source produces mono samples at a fixed rate until its context is
// cancelled or its input ends.
type Source interface {
	SampleRate() int
	Run(ctx context.Context, sink SampleSink) error
}

// Window is a contiguous run of samples and the stream index of its first sample
type Window struct {
	Samples []float32
	Start   int64
}

// pacer releases chunks at the rate the audio would arrive from a live
// device. Deadlines are absolute so scheduling jitter does not accumulate.
type pacer struct {
	period time.Duration
	next   time.Time
	timer  *time.Timer
}

func newPacer(chunkFrames, sampleRate int) *pacer {
	return &pacer{
		period: time.Duration(chunkFrames) * time.Second / time.Duration(sampleRate),
	}
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}
	p.next = p.next.Add(p.period)
	delay := p.next.Sub(now)
	if delay <= 0 {
		return ctx.Err()
	}
	if p.timer == nil {
		p.timer = time.NewTimer(delay)
	} else {
		p.timer.Reset(delay)
	}
	select {
	case <-ctx.Done():
		p.timer.Stop()
		return ctx.Err()
	case <-p.timer.C:
		return nil
	}
}

func (p *pacer) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func chunkFrames(sampleRate int, d time.Duration) int {
	n := int(time.Duration(sampleRate) * d / time.Second)
	return max(n, 1)
}
