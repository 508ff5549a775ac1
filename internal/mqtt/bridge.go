package mqtt

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
	"github.com/tphakala/statesync/internal/observability/metrics"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
)

// BridgeParty is the party the bridge attaches as
const BridgeParty state.PartyID = "mqtt-bridge"

// Message kinds
const (
	KindSnapshot = "snapshot"
	KindUpdate   = "update"
	KindDeleted  = "deleted"
)

// Message is the JSON payload published for every bridged change
type Message struct {
	Instance  uint64        `json:"instance"`
	Schema    string        `json:"schema"`
	Owner     string        `json:"owner,omitempty"`
	Seq       uint64        `json:"seq"`
	Kind      string        `json:"kind"`
	Values    schema.Values `json:"values,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

var topicSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeSegment makes s safe for use as a single MQTT topic level.
// Wildcards and separators become underscores.
func SanitizeSegment(s string) string {
	sanitized := topicSanitizer.ReplaceAllString(s, "_")
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "unknown"
	}
	return sanitized
}

// Topic returns the topic an instance is published on
func Topic(prefix, schemaName string, id uint64) string {
	return strings.TrimSuffix(prefix, "/") + "/" + SanitizeSegment(schemaName) + "/" + strconv.FormatUint(id, 10)
}

// Bridge observes schemas in a store and republishes their instances
type Bridge struct {
	store   *state.Store
	client  Client
	cfg     Config
	schemas []string
	logger  logger.Logger
	metrics *metrics.MQTTMetrics
	now     func() time.Time

	warnLimit *rate.Limiter

	mu      sync.Mutex
	bridged map[uint64]bool
}

// NewBridge creates a bridge for the given schemas. An empty list bridges
// every registered schema.
func NewBridge(store *state.Store, client Client, cfg Config, schemas []string, m *metrics.MQTTMetrics, log logger.Logger) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}
	if len(schemas) == 0 {
		schemas = store.Registry().Names()
	}
	if log == nil {
		log = logger.Global().Module("mqtt")
	}
	return &Bridge{
		store:     store,
		client:    client,
		cfg:       cfg,
		schemas:   schemas,
		logger:    log,
		metrics:   m,
		now:       time.Now,
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		bridged:   make(map[uint64]bool),
	}
}

// Run bridges until ctx is cancelled or the store closes
func (b *Bridge) Run(ctx context.Context) error {
	if !b.client.IsConnected() {
		if err := b.client.Connect(ctx); err != nil {
			return err
		}
	}
	defer b.client.Disconnect()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range b.schemas {
		g.Go(func() error {
			return b.observe(ctx, g, name)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, state.ErrStoreClosed) {
		return nil
	}
	return err
}

// observe runs discovery for one schema. An observer dropped for overflow
// is replaced; instances already bridged are not attached twice.
func (b *Bridge) observe(ctx context.Context, g *errgroup.Group, name string) error {
	for {
		o, err := b.store.Observe(ctx, state.Filter{Schema: name}, BridgeParty)
		if err != nil {
			return err
		}
		b.logger.Debug("bridging schema", logger.String("schema", name))

	discovery:
		for {
			select {
			case <-ctx.Done():
				o.Close()
				return ctx.Err()
			case a, ok := <-o.Attachments():
				if !ok {
					break discovery
				}
				if !b.claim(a.InstanceID()) {
					a.Close()
					continue
				}
				g.Go(func() error {
					b.forward(ctx, a)
					return nil
				})
			}
		}

		if o.Reason() != state.ReasonOverflow {
			return nil
		}
		b.warn("observer overflow, restarting discovery", logger.String("schema", name))
	}
}

func (b *Bridge) claim(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bridged[id] {
		return false
	}
	b.bridged[id] = true
	return true
}

func (b *Bridge) release(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bridged, id)
}

// forward publishes the snapshot of a and then every event. An attachment
// lost to overflow is re-established with a fresh snapshot.
func (b *Bridge) forward(ctx context.Context, a *state.Attachment) {
	id := a.InstanceID()
	defer b.release(id)

	for {
		snap := a.Snapshot()
		b.publish(ctx, &Message{
			Instance: snap.ID,
			Schema:   snap.Schema,
			Owner:    string(snap.Owner),
			Seq:      snap.Seq,
			Kind:     KindSnapshot,
			Values:   snap.Values,
		})

		if !b.drain(ctx, a, snap) {
			return
		}

		switch a.Reason() {
		case state.ReasonOverflow:
			b.warn("bridge fell behind, resynchronizing", logger.Uint64("instance_id", id))
			next, err := b.store.Attach(ctx, id, BridgeParty)
			if err != nil {
				if errors.Is(err, state.ErrNotFound) {
					b.cleared(ctx, snap)
				}
				return
			}
			a = next
		default:
			return
		}
	}
}

// drain forwards events until the attachment ends; it reports false when ctx
// is done or the instance was deleted.
func (b *Bridge) drain(ctx context.Context, a *state.Attachment, snap state.Snapshot) bool {
	for {
		select {
		case <-ctx.Done():
			a.Close()
			return false
		case ev, ok := <-a.Events():
			if !ok {
				return true
			}
			if ev.Kind == state.EventDeleted {
				b.publish(ctx, &Message{
					Instance: ev.InstanceID,
					Schema:   ev.Schema,
					Owner:    string(snap.Owner),
					Seq:      ev.Seq,
					Kind:     KindDeleted,
				})
				b.cleared(ctx, snap)
				return false
			}
			b.publish(ctx, &Message{
				Instance: ev.InstanceID,
				Schema:   ev.Schema,
				Owner:    string(snap.Owner),
				Seq:      ev.Seq,
				Kind:     KindUpdate,
				Values:   ev.Fields,
			})
		}
	}
}

// cleared removes the retained message of a deleted instance
func (b *Bridge) cleared(ctx context.Context, snap state.Snapshot) {
	if !b.cfg.Retain {
		return
	}
	topic := Topic(b.cfg.Topic, snap.Schema, snap.ID)
	if err := b.client.Publish(ctx, topic, nil, true); err != nil {
		b.warn("failed to clear retained message", logger.String("topic", topic), logger.Error(err))
	}
}

func (b *Bridge) publish(ctx context.Context, msg *Message) {
	msg.Timestamp = b.now()
	payload, err := json.Marshal(msg)
	if err != nil {
		b.metrics.IncrementErrors("encode")
		b.warn("failed to encode message",
			logger.Uint64("instance_id", msg.Instance),
			logger.Error(err))
		return
	}

	topic := Topic(b.cfg.Topic, msg.Schema, msg.Instance)
	started := time.Now()
	if err := b.client.Publish(ctx, topic, payload, b.cfg.Retain && msg.Kind != KindDeleted); err != nil {
		if ctx.Err() == nil {
			b.warn("failed to publish message",
				logger.String("topic", topic),
				logger.Uint64("seq", msg.Seq),
				logger.Error(err))
		}
		return
	}
	b.metrics.MessageDelivered(msg.Schema, len(payload), time.Since(started))
}

func (b *Bridge) warn(msg string, fields ...logger.Field) {
	if b.warnLimit.Allow() {
		b.logger.Warn(msg, fields...)
	}
}
