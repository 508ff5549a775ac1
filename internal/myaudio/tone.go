package myaudio

import (
	"context"
	"math"
)

// ToneSource generates a sine wave, useful without audio hardware
type ToneSource struct {
	Rate      int
	Frequency float64
	Amplitude float64
	// Limit stops the source after this many samples; zero runs until cancelled
	Limit int
	// Unpaced emits samples as fast as the sink accepts them
	Unpaced bool
}

// SampleRate returns the generated sample rate
func (t *ToneSource) SampleRate() int { return t.Rate }

// Run writes the tone to sink until ctx is cancelled or Limit is reached
func (t *ToneSource) Run(ctx context.Context, sink SampleSink) error {
	frames := chunkFrames(t.Rate, DefaultChunkDuration)
	var p *pacer
	if !t.Unpaced {
		p = newPacer(frames, t.Rate)
		defer p.stop()
	}

	step := 2 * math.Pi * t.Frequency / float64(t.Rate)
	chunk := make([]float32, frames)
	var index int

	for t.Limit == 0 || index < t.Limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := frames
		if t.Limit > 0 {
			n = min(n, t.Limit-index)
		}
		for i := range n {
			chunk[i] = float32(t.Amplitude * math.Sin(step*float64(index+i)))
		}
		sink.Write(chunk[:n])
		index += n

		if p != nil {
			if err := p.wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
