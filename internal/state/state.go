// Package state implements the shared state store: schema-typed instances
// with a single owner, mutated by partial updates, whose accepted changes are
// queued in order on every attached party.
//
// Each attachment is a bounded channel owned by one consumer. A diff is
// queued on every attachment while the instance lock is held, so all parties
// see the same sequence order; consumers drain their channels independently.
package state

import (
	"fmt"
	"sync/atomic"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/schema"
)

// PartyID identifies a participant: the owner of instances, or a consumer
// holding attachments. Transport sessions use one PartyID per connection.
type PartyID string

var (
	ErrNotFound              = errors.NewStd("instance not found")
	ErrNotOwner              = errors.NewStd("requester does not own instance")
	ErrStoreClosed           = errors.NewStd("store is closed")
	ErrTransportDisconnected = errors.NewStd("transport disconnected")
)

// Schema errors, re-exported so callers of the store need a single import.
var (
	ErrDuplicateSchema = schema.ErrDuplicateSchema
	ErrInvalidSchema   = schema.ErrInvalidSchema
	ErrUnknownSchema   = schema.ErrUnknownSchema
	ErrUnknownField    = schema.ErrUnknownField
	ErrTypeMismatch    = schema.ErrTypeMismatch
)

// EventKind distinguishes field diffs from the terminal deletion event
type EventKind uint8

const (
	EventUpdate EventKind = iota + 1
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one change queued on an attachment. Fields holds only the
// changed fields and is shared between attachments; treat it as read-only.
type Event struct {
	InstanceID uint64
	Schema     string
	Kind       EventKind
	Seq        uint64
	Fields     schema.Values
}

// Snapshot is a point-in-time copy of an instance
type Snapshot struct {
	ID     uint64        `json:"id"`
	Schema string        `json:"schema"`
	Owner  PartyID       `json:"owner"`
	Seq    uint64        `json:"seq"`
	Values schema.Values `json:"values"`
}

// DetachReason explains why an attachment or observer stopped
type DetachReason string

const (
	ReasonDetached     DetachReason = "detached"
	ReasonDeleted      DetachReason = "deleted"
	ReasonOverflow     DetachReason = "overflow"
	ReasonDisconnected DetachReason = "disconnected"
	ReasonStoreClosed  DetachReason = "store_closed"
)

// reasonHolder stores a DetachReason written once before a channel close
type reasonHolder struct {
	v atomic.Value
}

func (r *reasonHolder) set(reason DetachReason) { r.v.Store(reason) }

func (r *reasonHolder) get() DetachReason {
	if reason, ok := r.v.Load().(DetachReason); ok {
		return reason
	}
	return ""
}

// Code maps store and schema errors to the stable codes used on the wire
// and in metrics labels.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateSchema):
		return "duplicate_schema"
	case errors.Is(err, ErrUnknownSchema):
		return "unknown_schema"
	case errors.Is(err, ErrInvalidSchema):
		return "invalid_schema"
	case errors.Is(err, ErrUnknownField):
		return "unknown_field"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrStoreClosed):
		return "closed"
	case errors.Is(err, ErrTransportDisconnected):
		return "disconnected"
	default:
		return "internal"
	}
}

// ErrorForCode is the inverse of Code, used by clients to turn wire error
// codes back into sentinels that errors.Is understands.
func ErrorForCode(code string) error {
	switch code {
	case "duplicate_schema":
		return ErrDuplicateSchema
	case "unknown_schema":
		return ErrUnknownSchema
	case "invalid_schema":
		return ErrInvalidSchema
	case "unknown_field":
		return ErrUnknownField
	case "type_mismatch":
		return ErrTypeMismatch
	case "not_found":
		return ErrNotFound
	case "not_owner":
		return ErrNotOwner
	case "closed":
		return ErrStoreClosed
	case "disconnected":
		return ErrTransportDisconnected
	default:
		return nil
	}
}
