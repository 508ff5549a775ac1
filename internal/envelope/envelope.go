// Package envelope turns a sample stream into timestamped (min, max)
// blocks and publishes them, one state update per block, at the fixed rate
// the audio arrives.
package envelope

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/myaudio"
	"github.com/tphakala/statesync/internal/schema"
)

const (
	DefaultBufferDepth = 8
	MaxBufferDepth     = 64
	DefaultFieldName   = "vizData"
	DefaultRMSField    = "rms"
)

var (
	// ErrInstanceGone stops the producer once its state instance was deleted
	ErrInstanceGone  = errors.NewStd("state instance no longer exists")
	ErrInvalidConfig = errors.NewStd("invalid producer configuration")
)

// Block is the envelope of one analysis window. Time is the stream time in
// seconds of the window's first sample.
type Block struct {
	Time float64 `json:"time"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Value returns the block in the form stored in an any-typed field, which is
// also what JSON decoding produces, so local and remote readers agree.
func (b Block) Value() map[string]any {
	return map[string]any{"time": b.Time, "min": b.Min, "max": b.Max}
}

// BlockFromValue converts a stored field value back into a Block
func BlockFromValue(v any) (Block, bool) {
	switch b := v.(type) {
	case Block:
		return b, true
	case *Block:
		if b == nil {
			return Block{}, false
		}
		return *b, true
	case map[string]any:
		t, ok1 := asFloat(b["time"])
		lo, ok2 := asFloat(b["min"])
		hi, ok3 := asFloat(b["max"])
		return Block{Time: t, Min: lo, Max: hi}, ok1 && ok2 && ok3
	default:
		return Block{}, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// StateWriter applies a partial update to the producer's state instance.
// Both the in-process store writer and the remote client satisfy it.
type StateWriter interface {
	Update(ctx context.Context, values schema.Values) error
}

// SampleReader delivers exactly n consecutive fresh samples, blocking until
// they are available.
type SampleReader interface {
	ReadBlock(ctx context.Context, n int) (myaudio.Window, error)
}

// Config holds the producer parameters
type Config struct {
	SampleRate  int
	BlockSize   int
	BufferDepth int
	// PublishRMS adds one RMS update per cycle after the blocks
	PublishRMS bool
	FieldName  string
	RMSField   string
}

// withDefaults fills unset optional fields
func (c Config) withDefaults() Config {
	if c.BufferDepth == 0 {
		c.BufferDepth = DefaultBufferDepth
	}
	if c.FieldName == "" {
		c.FieldName = DefaultFieldName
	}
	if c.RMSField == "" {
		c.RMSField = DefaultRMSField
	}
	return c
}

// Validate checks the configuration after defaults are applied
func (c Config) Validate() error {
	c = c.withDefaults()
	var problems []string
	if c.SampleRate <= 0 {
		problems = append(problems, fmt.Sprintf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.BlockSize <= 0 {
		problems = append(problems, fmt.Sprintf("block size must be positive, got %d", c.BlockSize))
	}
	if c.BufferDepth < 1 || c.BufferDepth > MaxBufferDepth {
		problems = append(problems, fmt.Sprintf("buffer depth must be between 1 and %d, got %d", MaxBufferDepth, c.BufferDepth))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(fmt.Errorf("%w: %v", ErrInvalidConfig, problems)).
		Component("envelope").
		Category(errors.CategoryConfiguration).
		Build()
}

// CycleSamples is the number of samples one cycle consumes
func (c Config) CycleSamples() int {
	c = c.withDefaults()
	return c.BufferDepth * c.BlockSize
}

// Period is the nominal time between cycles
func (c Config) Period() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.CycleSamples()) * time.Second / time.Duration(c.SampleRate)
}

// Reduce splits samples into consecutive blocks of blockSize and returns the
// min and max of each. start is the stream index of samples[0]; a trailing
// partial block is ignored.
func Reduce(samples []float32, blockSize int, start int64, sampleRate int) []Block {
	if blockSize <= 0 || sampleRate <= 0 {
		return nil
	}
	n := len(samples) / blockSize
	blocks := make([]Block, n)
	for i := range n {
		lo, hi := myaudio.MinMax(samples[i*blockSize : (i+1)*blockSize])
		blocks[i] = Block{
			Time: float64(start+int64(i*blockSize)) / float64(sampleRate),
			Min:  float64(lo),
			Max:  float64(hi),
		}
	}
	return blocks
}
