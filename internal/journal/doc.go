// Package journal persists dispatched frames to PostgreSQL.
//
// Frames are queued by the dispatch handlers returned from Writer.Handlers
// and written in batches with pgx.Batch, either when a batch fills or on the
// flush interval. The queue is bounded; frames arriving while it is full are
// dropped and counted rather than blocking the session loop.
package journal
