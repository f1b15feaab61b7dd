// Package dispatch implements the Message Dispatcher.
//
// Inbound stream frames are JSON objects with a string "type" discriminator and
// an arbitrary "data" payload:
//
//	{"type": "agent_update", "data": {...}}
//
// Parse turns a raw frame into one variant of the Frame sum type
// (AgentUpdate, ArenaSync, RelationGraph or Unknown). The Dispatcher routes each
// frame to exactly one handler from a table fixed at construction. Unrecognized
// discriminators go to a fallback that only records the type.
//
// Handler errors and panics are captured as *HandlerError so a bad frame never
// unwinds the caller's read loop.
package dispatch
