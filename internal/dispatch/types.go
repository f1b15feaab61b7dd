package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the frame discriminator.
type Kind string

const (
	KindAgentUpdate   Kind = "agent_update"
	KindArenaSync     Kind = "arena_sync"
	KindRelationGraph Kind = "relation_graph"
	KindUnknown       Kind = "unknown"
)

// Errors
var (
	ErrMissingType = errors.New("frame has no type")
)

// FrameInfo is the part shared by every frame variant.
type FrameInfo struct {
	Data       json.RawMessage // The "data" payload, undecoded (nil if absent)
	ReceivedAt time.Time       // Local timestamp when the transport read the frame
}

// Info returns the shared frame fields.
func (i FrameInfo) Info() FrameInfo { return i }

// Frame is a parsed inbound frame. The concrete type is one of AgentUpdate,
// ArenaSync, RelationGraph or Unknown.
type Frame interface {
	Kind() Kind
	Info() FrameInfo
}

// AgentUpdate carries agent state changes.
type AgentUpdate struct{ FrameInfo }

// ArenaSync carries arena synchronization state.
type ArenaSync struct{ FrameInfo }

// RelationGraph carries relation graph updates.
type RelationGraph struct{ FrameInfo }

// Unknown is any frame whose type is not recognized.
type Unknown struct {
	FrameInfo
	Type string // Discriminator as received
}

func (AgentUpdate) Kind() Kind   { return KindAgentUpdate }
func (ArenaSync) Kind() Kind     { return KindArenaSync }
func (RelationGraph) Kind() Kind { return KindRelationGraph }
func (Unknown) Kind() Kind       { return KindUnknown }

// ParseError reports a frame that is not a JSON object with a string type.
type ParseError struct {
	Size int // Raw frame length in bytes
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame (%d bytes): %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	Kind  Kind
	Type  string // Raw discriminator, differs from Kind for unknown frames
	Panic bool
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("%s handler panicked: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("%s handler: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Stats contains runtime statistics.
type Stats struct {
	Received      int64
	Routed        int64 // Frames handled by a named handler
	ParseErrors   int64
	Unknown       int64
	HandlerErrors int64
}
