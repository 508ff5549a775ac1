package client

import (
	"context"
	"sync"

	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/state"
)

// Observation delivers a Mirror for every instance the server discovers for
// its filter. The channel is closed when the observation ends.
type Observation struct {
	client *Client
	id     uint64
	filter state.Filter

	mu     sync.Mutex
	ch     chan *Mirror
	ended  bool
	reason state.DetachReason
}

func newObservation(c *Client, id uint64, filter state.Filter, queueSize int) *Observation {
	return &Observation{
		client: c,
		id:     id,
		filter: filter,
		ch:     make(chan *Mirror, queueSize),
	}
}

// ID returns the server side observer id
func (o *Observation) ID() uint64 { return o.id }

// Filter returns the discovery filter
func (o *Observation) Filter() state.Filter { return o.filter }

// Mirrors returns the discovery channel
func (o *Observation) Mirrors() <-chan *Mirror { return o.ch }

// Reason returns why the observation ended, or "" while it is live
func (o *Observation) Reason() state.DetachReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Close stops discovery. Mirrors already delivered stay attached.
func (o *Observation) Close(ctx context.Context) error {
	o.mu.Lock()
	ended := o.ended
	o.mu.Unlock()
	if ended {
		return nil
	}
	return o.client.unobserve(ctx, o)
}

// deliver hands m to the receiver (read loop, client lock held). A receiver
// that does not keep up loses the mirror, which is detached again.
func (o *Observation) deliver(m *Mirror) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ended {
		select {
		case o.ch <- m:
			return
		default:
		}
	}
	o.client.warnThrottled("observation queue full, detaching discovered instance",
		logger.Uint64("observer", o.id),
		logger.Uint64("instance_id", m.id))
	m.finish(state.ReasonOverflow, nil)
	go func() {
		ctx, cancel := context.WithTimeout(o.client.ctx, DefaultRequestTimeout)
		defer cancel()
		_ = o.client.Detach(ctx, m.id)
	}()
}

func (o *Observation) finish(reason state.DetachReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.ended = true
	o.reason = reason
	close(o.ch)
}
