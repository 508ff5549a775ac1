// Package transport carries the state store over websockets. Every
// connection is one party; requests and pushed changes travel as JSON text
// frames in the order they were produced.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/schema"
	"github.com/tphakala/statesync/internal/state"
)

// FrameType names a frame on the wire
type FrameType string

// Requests, client to server
const (
	FrameCreate    FrameType = "create"
	FrameUpdate    FrameType = "update"
	FrameDelete    FrameType = "delete"
	FrameAttach    FrameType = "attach"
	FrameObserve   FrameType = "observe"
	FrameDetach    FrameType = "detach"
	FrameUnobserve FrameType = "unobserve"
)

// Pushes and replies, server to client. FrameUpdate is shared with the
// request of the same name; a pushed update carries Seq and Fields.
const (
	FrameResult     FrameType = "result"
	FrameAttached   FrameType = "attached"
	FrameDeleted    FrameType = "deleted"
	FrameDetached   FrameType = "detached"
	FrameUnobserved FrameType = "unobserved"
)

// CodeInvalidRequest is returned for frames that cannot be decoded or
// lack required members. Other codes come from state.Code.
const CodeInvalidRequest = "invalid_request"

// ErrInvalidFrame marks a frame that is not valid protocol
var ErrInvalidFrame = errors.NewStd("invalid frame")

// Frame is the single envelope for every message. Members not used by a
// frame type are omitted.
type Frame struct {
	Type     FrameType       `json:"type"`
	Req      uint64          `json:"req,omitempty"`
	OK       bool            `json:"ok,omitempty"`
	Error    *WireError      `json:"error,omitempty"`
	Schema   string          `json:"schema,omitempty"`
	ID       uint64          `json:"id,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Observer uint64          `json:"observer,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Values   schema.Values   `json:"values,omitempty"`
	Where    schema.Values   `json:"where,omitempty"`
	Fields   schema.Values   `json:"fields,omitempty"`
	Snapshot *state.Snapshot `json:"snapshot,omitempty"`
}

// WireError is the error member of a failed result
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Err converts a wire error back into an error matching the store
// sentinel for its code.
func (e *WireError) Err() error {
	if e == nil {
		return nil
	}
	if sentinel := state.ErrorForCode(e.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, e.Message)
	}
	if e.Code == CodeInvalidRequest {
		return fmt.Errorf("%w: %s", ErrInvalidFrame, e.Message)
	}
	return e
}

// NewWireError maps err to its wire representation
func NewWireError(err error) *WireError {
	code := state.Code(err)
	if errors.Is(err, ErrInvalidFrame) {
		code = CodeInvalidRequest
	}
	return &WireError{Code: code, Message: err.Error()}
}

// Encode marshals a frame
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			// values with no JSON form, such as NaN inside an any field
			return nil, errors.New(fmt.Errorf("%w: encode %s frame: %w", state.ErrTypeMismatch, f.Type, err)).
				Component("transport").
				Category(errors.CategoryValidation).
				Build()
		}
		return nil, errors.New(fmt.Errorf("encode %s frame: %w", f.Type, err)).
			Component("transport").
			Category(errors.CategoryProtocol).
			Build()
	}
	return data, nil
}

// Decode unmarshals and checks a frame. Numbers inside values are decoded
// as float64, which the schema normalizes per field type.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, invalidFrame(fmt.Sprintf("malformed frame: %v", err))
	}
	if f.Type == "" {
		return nil, invalidFrame("frame type is missing")
	}
	return &f, nil
}

// validateRequest checks the members a request type needs
func validateRequest(f *Frame) error {
	if f.Req == 0 {
		return invalidFrame(fmt.Sprintf("%s request without req id", f.Type))
	}
	switch f.Type {
	case FrameCreate, FrameObserve:
		if f.Schema == "" {
			return invalidFrame(fmt.Sprintf("%s request without schema", f.Type))
		}
	case FrameUpdate, FrameDelete, FrameAttach, FrameDetach:
		if f.ID == 0 {
			return invalidFrame(fmt.Sprintf("%s request without instance id", f.Type))
		}
	case FrameUnobserve:
		if f.Observer == 0 {
			return invalidFrame("unobserve request without observer id")
		}
	default:
		return invalidFrame(fmt.Sprintf("unknown request type %q", f.Type))
	}
	return nil
}

func invalidFrame(msg string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrInvalidFrame, msg)).
		Component("transport").
		Category(errors.CategoryProtocol).
		Build()
}

// eventFrame converts a store event into its push frame
func eventFrame(ev state.Event) *Frame {
	if ev.Kind == state.EventDeleted {
		return &Frame{Type: FrameDeleted, ID: ev.InstanceID, Schema: ev.Schema, Seq: ev.Seq}
	}
	return &Frame{Type: FrameUpdate, ID: ev.InstanceID, Schema: ev.Schema, Seq: ev.Seq, Fields: ev.Fields}
}

func resultFrame(req uint64, err error) *Frame {
	if err != nil {
		return &Frame{Type: FrameResult, Req: req, Error: NewWireError(err)}
	}
	return &Frame{Type: FrameResult, Req: req, OK: true}
}
