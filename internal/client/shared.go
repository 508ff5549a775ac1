package client

import (
	"context"
	"sync/atomic"

	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
	"github.com/tphakala/statesync/internal/transport"
)

// SharedState is the owner's handle on an instance it created. It
// satisfies envelope.StateWriter, so a producer can publish through it.
type SharedState struct {
	client   *Client
	snapshot state.Snapshot
	seq      atomic.Uint64
}

// ID returns the instance id
func (s *SharedState) ID() uint64 { return s.snapshot.ID }

// Schema returns the instance schema name
func (s *SharedState) Schema() string { return s.snapshot.Schema }

// Created returns the snapshot taken at creation, with all defaults filled in
func (s *SharedState) Created() state.Snapshot {
	snap := s.snapshot
	snap.Values = s.snapshot.Values.Clone()
	return snap
}

// Seq returns the sequence number of the last acknowledged update
func (s *SharedState) Seq() uint64 { return s.seq.Load() }

// Update applies a partial update and waits for the server to accept it.
// A deleted instance yields an error matching state.ErrNotFound.
func (s *SharedState) Update(ctx context.Context, values schema.Values) error {
	res, err := s.client.request(ctx, &transport.Frame{Type: transport.FrameUpdate, ID: s.snapshot.ID, Values: values}, nil)
	if err != nil {
		return err
	}
	if res.Seq > 0 {
		s.seq.Store(res.Seq)
	}
	return nil
}

// Delete removes the instance; every attached party receives the terminal event
func (s *SharedState) Delete(ctx context.Context) error {
	_, err := s.client.request(ctx, &transport.Frame{Type: transport.FrameDelete, ID: s.snapshot.ID}, nil)
	return err
}
