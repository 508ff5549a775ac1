package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/statesync/internal/client"
	"github.com/tphakala/statesync/internal/conf"
	"github.com/tphakala/statesync/internal/envelope"
	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/myaudio"
	"github.com/tphakala/statesync/internal/observability"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
)

// OpenSource creates the audio source selected by the producer settings
func OpenSource(s conf.ProducerSettings, log logger.Logger) (myaudio.Source, error) {
	switch s.Source.Type {
	case conf.SourceTone, "":
		return &myaudio.ToneSource{
			Rate:      s.SampleRate,
			Frequency: s.Source.Frequency,
			Amplitude: s.Source.Amplitude,
		}, nil
	case conf.SourceWAV:
		return myaudio.OpenWAV(s.Source.File,
			myaudio.WithLoop(s.Source.Loop),
			myaudio.WithRealtime(true),
			myaudio.WithWAVLogger(log))
	case conf.SourceCapture:
		return myaudio.NewCaptureSource(s.Source.Device, s.SampleRate, log), nil
	default:
		return nil, errors.Newf("unknown source type %q", s.Source.Type).
			Component("app").
			Category(errors.CategoryConfiguration).
			Context("section", "producer").
			Build()
	}
}

// Producer publishes the envelope of an audio source to a player instance
// on the state server. The source keeps filling the sample buffer while the
// connection is re-established.
type Producer struct {
	rt     *Runtime
	log    logger.Logger
	source myaudio.Source
	buffer *myaudio.SampleBuffer
	cfg    envelope.Config
}

// NewProducer prepares a producer reading from source. The envelope runs at
// the sample rate of the source.
func NewProducer(rt *Runtime, source myaudio.Source) (*Producer, error) {
	s := rt.Settings.Producer
	cfg := envelope.Config{
		SampleRate:  source.SampleRate(),
		BlockSize:   s.BlockSize,
		BufferDepth: s.BufferDepth,
		PublishRMS:  s.PublishRMS,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	capacity := max(int(s.BufferSeconds*float64(cfg.SampleRate)), cfg.CycleSamples())
	buffer, err := myaudio.NewSampleBuffer(capacity,
		myaudio.WithBufferMetrics(rt.Metrics.Producer),
		myaudio.WithBufferLogger(rt.Logger("myaudio")))
	if err != nil {
		return nil, err
	}

	log := rt.Logger("producer")
	if cfg.SampleRate != s.SampleRate {
		log.Info("using the sample rate of the audio source",
			logger.Int("source_rate", cfg.SampleRate),
			logger.Int("configured_rate", s.SampleRate))
	}

	return &Producer{
		rt:     rt,
		log:    log,
		source: source,
		buffer: buffer,
		cfg:    cfg,
	}, nil
}

// Run captures and publishes until ctx is cancelled or the source ends.
// Lost connections are retried with backoff; a rejected schema is fatal.
func (p *Producer) Run(ctx context.Context) error {
	sourceDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(sourceDone)
		defer p.buffer.Close()
		err := p.source.Run(gctx, p.buffer)
		if err != nil && gctx.Err() == nil {
			return err
		}
		stats := p.buffer.Stats()
		p.log.Info("audio source stopped",
			logger.Uint64("written", stats.Written),
			logger.Uint64("dropped", stats.Dropped))
		return nil
	})

	g.Go(func() error {
		return runSessions(gctx, p.rt, p.log, func(ctx context.Context, established func()) error {
			err := p.session(ctx, established)
			select {
			case <-sourceDone:
				return nil
			default:
				return err
			}
		})
	})

	if endpoint := telemetryEndpoint(p.rt); endpoint != nil {
		g.Go(func() error { return runUntil(gctx, sourceDone, endpoint.Run) })
	}

	return g.Wait()
}

// session publishes over one connection until it fails
func (p *Producer) session(ctx context.Context, established func()) error {
	c, err := dial(ctx, p.rt)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	name := p.rt.Settings.Producer.Name
	shared, err := c.Create(ctx, schema.PlayerSchemaName, schema.Values{"name": name})
	if err != nil {
		return err
	}
	established()
	p.log.Info("publishing envelope",
		logger.Uint64("instance_id", shared.ID()),
		logger.String("name", name),
		logger.Duration("period", p.cfg.Period()))

	producer, err := envelope.New(p.cfg, p.buffer, shared,
		envelope.WithLogger(p.rt.Logger("envelope")),
		envelope.WithMetrics(p.rt.Metrics.Producer))
	if err != nil {
		return err
	}
	return producer.Run(ctx)
}

// Produce runs the envelope producer configured by the runtime settings
func Produce(ctx context.Context, rt *Runtime) error {
	rt.LogStartup(ctx, "produce")
	source, err := OpenSource(rt.Settings.Producer, rt.Logger("myaudio"))
	if err != nil {
		return err
	}
	p, err := NewProducer(rt, source)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

func dial(ctx context.Context, rt *Runtime) (*client.Client, error) {
	s := rt.Settings.Client
	return client.Dial(ctx, s.URL,
		client.WithLogger(rt.Logger("client")),
		client.WithMetrics(rt.Metrics.Transport),
		client.WithRequestTimeout(s.RequestTimeout),
		client.WithMirrorQueueSize(s.MirrorQueueSize))
}

// runSessions calls session until it returns nil, fails permanently or ctx
// ends, waiting with backoff between attempts. session calls established
// once it is connected, which resets the backoff.
func runSessions(ctx context.Context, rt *Runtime, log logger.Logger, session func(ctx context.Context, established func()) error) error {
	backoff := newBackoffStrategy(rt.Settings.Client.ReconnectDelay, rt.Settings.Client.MaxReconnectDelay)
	for {
		err := session(ctx, backoff.reset)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if permanent(err) {
			return fmt.Errorf("state server rejected the session: %w", err)
		}
		delay := backoff.nextDelay()
		log.Warn("state server session ended, reconnecting",
			logger.Error(err),
			logger.String("url", rt.Settings.Client.URL),
			logger.Duration("retry_in", delay))
		if !sleepContext(ctx, delay) {
			return nil
		}
	}
}

// permanent reports errors a reconnect cannot fix
func permanent(err error) bool {
	return errors.Is(err, state.ErrUnknownSchema) ||
		errors.Is(err, state.ErrUnknownField) ||
		errors.Is(err, state.ErrTypeMismatch) ||
		errors.IsCategory(err, errors.CategoryConfiguration)
}

func telemetryEndpoint(rt *Runtime) *observability.Endpoint {
	t := rt.Settings.Telemetry
	if !t.Enabled {
		return nil
	}
	endpoint, err := observability.NewEndpoint(t.Listen, rt.Metrics, rt.Logger("telemetry"))
	if err != nil {
		rt.Logger("telemetry").Warn("telemetry endpoint disabled", logger.Error(err))
		return nil
	}
	return endpoint
}

// runUntil runs fn with a context that also ends when done is closed
func runUntil(ctx context.Context, done <-chan struct{}, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return fn(ctx)
}
