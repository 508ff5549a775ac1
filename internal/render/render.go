// Package render draws envelope blocks as text, one line per block.
// Blocks may arrive in bursts and out of order; they are drawn in stream
// time order.
package render

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/tphakala/statesync/internal/envelope"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/state"
)

const (
	DefaultWidth         = 60
	DefaultReorderWindow = 16
	minWidth             = 10
)

// Renderer writes one line per (possibly coalesced) block. Blocks are held
// in a small reorder window so a late block within the window is drawn in
// time order; blocks older than the last drawn one are dropped.
type Renderer struct {
	out       io.Writer
	width     int
	window    int
	coalesce  int
	fieldName string
	logger    logger.Logger

	mu       sync.Mutex
	pending  []envelope.Block
	drawn    bool
	lastTime float64
	dropped  uint64
	lines    uint64
	err      error
}

// Option configures a Renderer
type Option func(*Renderer)

// WithWidth sets the bar width in characters
func WithWidth(width int) Option {
	return func(r *Renderer) { r.width = max(width, minWidth) }
}

// WithReorderWindow sets how many blocks are held back for reordering.
// Zero draws every block as soon as it arrives.
func WithReorderWindow(n int) Option {
	return func(r *Renderer) { r.window = max(n, 0) }
}

// WithCoalesce merges every n consecutive blocks into one line
func WithCoalesce(n int) Option {
	return func(r *Renderer) { r.coalesce = max(n, 1) }
}

// WithField sets the state field carrying blocks
func WithField(name string) Option {
	return func(r *Renderer) { r.fieldName = name }
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(r *Renderer) { r.logger = log }
}

// New creates a renderer writing to out
func New(out io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		out:       out,
		width:     DefaultWidth,
		window:    DefaultReorderWindow,
		coalesce:  1,
		fieldName: envelope.DefaultFieldName,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Global().Module("render")
	}
	return r
}

// Update draws the block carried by ev, if any. It matches the event
// stream of attachments and client mirrors.
func (r *Renderer) Update(ev state.Event) {
	if ev.Kind != state.EventUpdate {
		return
	}
	v, ok := ev.Fields[r.fieldName]
	if !ok || v == nil {
		return
	}
	b, ok := envelope.BlockFromValue(v)
	if !ok {
		r.logger.Debug("ignoring malformed block",
			logger.Uint64("instance_id", ev.InstanceID),
			logger.Uint64("seq", ev.Seq))
		return
	}
	r.Push(b)
}

// Push queues b and draws every block that left the reorder window
func (r *Renderer) Push(b envelope.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drawn && b.Time <= r.lastTime {
		r.dropped++
		return
	}
	i, found := slices.BinarySearchFunc(r.pending, b.Time, func(p envelope.Block, t float64) int {
		switch {
		case p.Time < t:
			return -1
		case p.Time > t:
			return 1
		}
		return 0
	})
	if found {
		r.dropped++
		return
	}
	r.pending = slices.Insert(r.pending, i, b)

	// hold back window blocks, and draw only whole coalesce groups
	ready := len(r.pending) - r.window
	ready -= ready % r.coalesce
	if ready > 0 {
		r.drawLocked(ready)
	}
}

// Flush draws every pending block
func (r *Renderer) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 {
		r.drawLocked(len(r.pending))
	}
	return r.err
}

// Dropped returns how many blocks were discarded as duplicates or because a
// later block had already been drawn
func (r *Renderer) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Lines returns how many lines were written
func (r *Renderer) Lines() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

func (r *Renderer) drawLocked(n int) {
	blocks := r.pending[:n]
	r.lastTime = blocks[n-1].Time
	r.drawn = true

	var sb strings.Builder
	for _, b := range Coalesce(blocks, r.coalesce) {
		sb.WriteString(Line(b, r.width))
		sb.WriteByte('\n')
		r.lines++
	}
	r.pending = slices.Delete(r.pending, 0, n)

	if r.err != nil {
		return
	}
	if _, err := io.WriteString(r.out, sb.String()); err != nil {
		r.err = err
		r.logger.Warn("render output failed", logger.Error(err))
	}
}

// Coalesce merges every n consecutive blocks into one, keeping the time of
// the first and the extremes of all. The input must be in time order.
func Coalesce(blocks []envelope.Block, n int) []envelope.Block {
	if n <= 1 {
		return slices.Clone(blocks)
	}
	out := make([]envelope.Block, 0, (len(blocks)+n-1)/n)
	for chunk := range slices.Chunk(blocks, n) {
		merged := chunk[0]
		for _, b := range chunk[1:] {
			merged.Min = math.Min(merged.Min, b.Min)
			merged.Max = math.Max(merged.Max, b.Max)
		}
		out = append(out, merged)
	}
	return out
}

// Line draws b as a bar over [-1, 1] prefixed with its time:
//
//	   1.024s |          ====|====            |
func Line(b envelope.Block, width int) string {
	width = max(width, minWidth)
	lo := column(b.Min, width)
	hi := column(b.Max, width)
	if lo > hi {
		lo, hi = hi, lo
	}
	center := column(0, width)

	bar := make([]byte, width)
	for i := range bar {
		switch {
		case i >= lo && i <= hi:
			bar[i] = '='
		case i == center:
			bar[i] = '.'
		default:
			bar[i] = ' '
		}
	}
	if center >= lo && center <= hi {
		bar[center] = '|'
	}
	return fmt.Sprintf("%9.3fs |%s|", b.Time, bar)
}

// column maps v in [-1, 1] to a bar position, clamping out of range values
func column(v float64, width int) int {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(-1, math.Min(1, v))
	return int(math.Round((v + 1) / 2 * float64(width-1)))
}
