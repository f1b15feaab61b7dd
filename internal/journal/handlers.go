package journal

import (
	"context"

	"github.com/deeptree/echo-kernel/internal/dispatch"
)

// Handlers journals agent_update, arena_sync and relation_graph frames and
// then calls the matching handler in next, if any. Unknown frames are passed
// through untouched.
func (w *Writer) Handlers(next dispatch.Handlers) dispatch.Handlers {
	return dispatch.Handlers{
		AgentUpdate: func(ctx context.Context, f dispatch.AgentUpdate) error {
			w.record(f)
			if next.AgentUpdate != nil {
				return next.AgentUpdate(ctx, f)
			}
			return nil
		},
		ArenaSync: func(ctx context.Context, f dispatch.ArenaSync) error {
			w.record(f)
			if next.ArenaSync != nil {
				return next.ArenaSync(ctx, f)
			}
			return nil
		},
		RelationGraph: func(ctx context.Context, f dispatch.RelationGraph) error {
			w.record(f)
			if next.RelationGraph != nil {
				return next.RelationGraph(ctx, f)
			}
			return nil
		},
		Unknown: next.Unknown,
	}
}

func (w *Writer) record(f dispatch.Frame) {
	info := f.Info()
	if !w.Append(Record{
		Kind:       string(f.Kind()),
		Payload:    info.Data,
		ReceivedAt: info.ReceivedAt,
	}) {
		w.logger.Warn("journal buffer full, frame dropped", "kind", f.Kind())
	}
}
