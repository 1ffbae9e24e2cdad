// Package persistence implements the typed collection store behind the
// coordination core. Three interchangeable backends: SQLite (WAL, single
// writer + reader pool), file tree (atomic write-then-rename), and in-memory
// (tests). All values are stored as JSON and stamped with _stored_at in UTC.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// Collections used by the core.
const (
	CollectionTasks             = "tasks"
	CollectionAssignments       = "assignments"
	CollectionLeases            = "leases"
	CollectionDecisions         = "decisions"
	CollectionArtifacts         = "artifacts"
	CollectionEvents            = "events"
	CollectionProjectSnapshots  = "project_snapshots"
	CollectionAnalysisResults   = "analysis_results"
	CollectionConversationIndex = "conversation_index"
	CollectionProjects          = "projects"
	CollectionAgents            = "agents"
)

// MaxQueryResults is the hard ceiling on items returned by a single Query.
// Callers paging past it must advance offset; a larger limit is clamped.
const MaxQueryResults = 10_000

// StoredAtField is the UTC ISO8601 stamp injected into every stored object.
const StoredAtField = "_stored_at"

// Filter decides whether a stored record is part of a query result.
type Filter func(value json.RawMessage) bool

// Store is the backend contract. Implementations provide per-collection
// reader/writer discipline: many readers or one writer.
type Store interface {
	// Store upserts value under (collection, key), stamping _stored_at.
	Store(ctx context.Context, collection, key string, value any) error
	// Retrieve unmarshals the record into out. marcuserr.ErrNotFound when absent.
	Retrieve(ctx context.Context, collection, key string, out any) error
	// Query returns filtered records in storage order. The result is the
	// filtered sequence with offset skipped, then clamped to
	// min(limit, MaxQueryResults) items. limit <= 0 means MaxQueryResults.
	Query(ctx context.Context, collection string, filter Filter, limit, offset int) ([]json.RawMessage, error)
	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error
	// ClearOld removes records whose _stored_at precedes olderThan and
	// returns how many were dropped.
	ClearOld(ctx context.Context, collection string, olderThan time.Time) (int, error)
	// Keys lists the keys of a collection in storage order.
	Keys(ctx context.Context, collection string) ([]string, error)
	// Close flushes and releases backend resources.
	Close() error
}

// clampLimit normalizes a caller limit against the hard cap.
func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryResults {
		return MaxQueryResults
	}
	return limit
}

// encode marshals value and injects the _stored_at stamp into JSON objects.
// Non-object payloads are stored as-is; their stamp lives only in backend
// metadata.
func encode(value any, storedAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "value not serializable")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw, nil
	}
	stamp, _ := json.Marshal(storedAt.UTC().Format(time.RFC3339Nano))
	obj[StoredAtField] = stamp

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, marcuserr.Wrap(marcuserr.KindStorage, err, "failed to stamp record")
	}
	return out, nil
}

// page applies the Query offset/limit contract to an already-filtered slice.
func page(filtered []json.RawMessage, limit, offset int) []json.RawMessage {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []json.RawMessage{}
	}
	filtered = filtered[offset:]
	max := clampLimit(limit)
	if len(filtered) > max {
		filtered = filtered[:max]
	}
	// Copy so callers cannot alias backend buffers.
	out := make([]json.RawMessage, len(filtered))
	copy(out, filtered)
	return out
}
