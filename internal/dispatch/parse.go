package dispatch

import (
	"encoding/json"
	"time"
)

// Wire field names, matched exactly.
const (
	fieldType = "type"
	fieldData = "data"
)

// Parse decodes a raw frame into its Frame variant.
func Parse(raw []byte, receivedAt time.Time) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ParseError{Size: len(raw), Err: err}
	}

	var typ string
	if rawType, ok := fields[fieldType]; ok {
		if err := json.Unmarshal(rawType, &typ); err != nil {
			return nil, &ParseError{Size: len(raw), Err: err}
		}
	}
	if typ == "" {
		return nil, &ParseError{Size: len(raw), Err: ErrMissingType}
	}

	info := FrameInfo{Data: fields[fieldData], ReceivedAt: receivedAt}

	switch Kind(typ) {
	case KindAgentUpdate:
		return AgentUpdate{info}, nil
	case KindArenaSync:
		return ArenaSync{info}, nil
	case KindRelationGraph:
		return RelationGraph{info}, nil
	default:
		return Unknown{FrameInfo: info, Type: typ}, nil
	}
}

// typeOf returns the wire discriminator of a frame.
func typeOf(f Frame) string {
	if u, ok := f.(Unknown); ok {
		return u.Type
	}
	return string(f.Kind())
}
