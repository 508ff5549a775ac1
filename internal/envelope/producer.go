package envelope

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/myaudio"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
)

// Producer reads one window of BufferDepth blocks per cycle, reduces it to
// envelope blocks and writes them to the state instance in order.
type Producer struct {
	cfg     Config
	reader  SampleReader
	writer  StateWriter
	logger  logger.Logger
	metrics *metrics.ProducerMetrics
	warn    *rate.Limiter
}

// Option configures a Producer
type Option func(*Producer)

// WithLogger sets the producer logger
func WithLogger(log logger.Logger) Option {
	return func(p *Producer) { p.logger = log }
}

// WithMetrics enables cycle and overrun metrics
func WithMetrics(m *metrics.ProducerMetrics) Option {
	return func(p *Producer) { p.metrics = m }
}

// New validates cfg and returns a producer reading from reader and writing to writer
func New(cfg Config, reader SampleReader, writer StateWriter, opts ...Option) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reader == nil || writer == nil {
		return nil, errors.New(fmt.Errorf("%w: reader and writer are required", ErrInvalidConfig)).
			Component("envelope").
			Category(errors.CategoryConfiguration).
			Build()
	}

	p := &Producer{
		cfg:    cfg.withDefaults(),
		reader: reader,
		writer: writer,
		warn:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Global().Module("envelope")
	}
	return p, nil
}

// Config returns the effective configuration
func (p *Producer) Config() Config { return p.cfg }

// Cycle runs one production cycle: a blocking read of BufferDepth×BlockSize
// samples, then one update per block in stream order. It returns the blocks
// that were written; on a write error that is a prefix of the window.
func (p *Producer) Cycle(ctx context.Context) ([]Block, error) {
	started := time.Now()

	window, err := p.reader.ReadBlock(ctx, p.cfg.CycleSamples())
	if err != nil {
		return nil, err
	}

	blocks := Reduce(window.Samples, p.cfg.BlockSize, window.Start, p.cfg.SampleRate)
	for i, b := range blocks {
		if err := p.writer.Update(ctx, schema.Values{p.cfg.FieldName: b.Value()}); err != nil {
			return blocks[:i], p.writeError(err, b)
		}
	}

	if p.cfg.PublishRMS {
		if err := p.writer.Update(ctx, schema.Values{p.cfg.RMSField: myaudio.RMS(window.Samples)}); err != nil {
			return blocks, p.writeError(err, Block{})
		}
	}

	if len(blocks) > 0 {
		p.metrics.CycleCompleted(len(blocks), blocks[len(blocks)-1].Time, time.Since(started))
	}
	return blocks, nil
}

// Run repeats Cycle on a fixed schedule: cycle k is due at start + k×period.
// A late cycle runs immediately but never moves later deadlines. Run returns
// nil when ctx is cancelled or the sample stream ends, ErrInstanceGone when
// the state instance was deleted, and any other write error as is.
func (p *Producer) Run(ctx context.Context) error {
	period := p.cfg.Period()
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	p.logger.Info("envelope producer started",
		logger.Int("sample_rate", p.cfg.SampleRate),
		logger.Int("block_size", p.cfg.BlockSize),
		logger.Int("buffer_depth", p.cfg.BufferDepth),
		logger.Duration("period", period))

	var cycles int64
	for k := int64(0); ; k++ {
		if wait := time.Until(start.Add(time.Duration(k) * period)); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return p.stopped(cycles, ctx.Err())
			case <-timer.C:
			}
		}

		_, err := p.Cycle(ctx)
		switch {
		case err == nil:
			cycles++
		case ctx.Err() != nil, errors.Is(err, myaudio.ErrBufferClosed):
			return p.stopped(cycles, err)
		case errors.Is(err, ErrInstanceGone):
			p.metrics.CycleFailed()
			p.logger.Info("state instance deleted, producer stopping", logger.Int64("cycles", cycles))
			return err
		default:
			p.metrics.CycleFailed()
			p.logger.Error("envelope cycle failed", logger.Error(err), logger.Int64("cycle", k))
			return err
		}

		if late := time.Since(start.Add(time.Duration(k+1) * period)); late > 0 {
			p.metrics.Overrun()
			if p.warn.Allow() {
				p.logger.Warn("producer cycle overran its deadline",
					logger.Int64("cycle", k),
					logger.Duration("late", late),
					logger.Duration("period", period))
			}
		}
	}
}

func (p *Producer) stopped(cycles int64, cause error) error {
	p.logger.Info("envelope producer stopped",
		logger.Int64("cycles", cycles),
		logger.String("cause", cause.Error()))
	return nil
}

// writeError maps a deleted instance to ErrInstanceGone so no further
// updates are attempted against it.
func (p *Producer) writeError(err error, b Block) error {
	if errors.Is(err, state.ErrNotFound) {
		return errors.New(fmt.Errorf("%w: %w", ErrInstanceGone, err)).
			Component("envelope").
			Category(errors.CategoryState).
			Context("block_time", b.Time).
			Build()
	}
	return err
}
