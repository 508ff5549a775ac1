package app

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/statesync/internal/client"
	"github.com/tphakala/statesync/internal/envelope"
	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/render"
	"github.com/tphakala/statesync/internal/schema"
)

// Watcher discovers the player instances named by the watch settings and
// draws the envelope each of them publishes
type Watcher struct {
	rt  *Runtime
	log logger.Logger
	out *lockedWriter
}

// NewWatcher creates a watcher drawing to out
func NewWatcher(rt *Runtime, out io.Writer) *Watcher {
	return &Watcher{
		rt:  rt,
		log: rt.Logger("watch"),
		out: &lockedWriter{w: out},
	}
}

// Run watches until ctx is cancelled, reconnecting with backoff
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runSessions(gctx, w.rt, w.log, w.session) })
	if endpoint := telemetryEndpoint(w.rt); endpoint != nil {
		g.Go(func() error { return endpoint.Run(gctx) })
	}
	return g.Wait()
}

// session observes over one connection until it is lost or discovery ends
func (w *Watcher) session(ctx context.Context, established func()) error {
	s := w.rt.Settings
	c, err := dial(ctx, w.rt)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer func() {
		_ = c.Close()
		wg.Wait()
	}()

	if s.Watch.Announce {
		shared, err := c.Create(ctx, schema.PlayerSchemaName, schema.Values{"name": s.Main.Name})
		if err != nil {
			return err
		}
		w.log.Info("announced player instance",
			logger.Uint64("instance_id", shared.ID()),
			logger.String("name", s.Main.Name))
	}

	obs, err := c.Observe(ctx, schema.PlayerSchemaName, schema.Values{"name": s.Watch.Name})
	if err != nil {
		return err
	}
	established()
	w.log.Info("watching player instances", logger.String("name", s.Watch.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-obs.Mirrors():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return errors.Newf("discovery ended: %s", obs.Reason()).
					Component("watch").
					Category(errors.CategoryState).
					Build()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.draw(m)
			}()
		}
	}
}

// draw renders the blocks of one mirror until it ends
func (w *Watcher) draw(m *client.Mirror) {
	r := render.New(w.out,
		render.WithWidth(w.rt.Settings.Watch.Width),
		render.WithLogger(w.log))

	w.log.Info("attached to instance",
		logger.Uint64("instance_id", m.ID()),
		logger.Uint64("seq", m.Seq()))

	if v, ok := m.Values()[envelope.DefaultFieldName]; ok && v != nil {
		if b, ok := envelope.BlockFromValue(v); ok {
			r.Push(b)
		}
	}
	for ev := range m.Events() {
		r.Update(ev)
	}
	if err := r.Flush(); err != nil {
		w.log.Warn("failed to draw envelope", logger.Error(err))
	}

	w.log.Info("detached from instance",
		logger.Uint64("instance_id", m.ID()),
		logger.String("reason", string(m.Reason())),
		logger.Uint64("lines", r.Lines()),
		logger.Uint64("dropped_blocks", r.Dropped()),
		logger.Uint64("dropped_events", m.Dropped()))
}

// Watch runs the consumer configured by the runtime settings, drawing to out
func Watch(ctx context.Context, rt *Runtime, out io.Writer) error {
	rt.LogStartup(ctx, "watch")
	return NewWatcher(rt, out).Run(ctx)
}

// lockedWriter serializes renderers of concurrent mirrors; each write is
// one batch of whole lines
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
