// Package store abstracts the durable ordered store the pacing service runs
// on: partition+sort addressed records, paginated range queries, batch writes
// with partial-failure reporting, atomic counter increments and all-or-nothing
// delete+tombstone transactions. Production runs on DynamoDB; tests use the
// in-memory implementation.
package store

import (
	"context"
	"errors"

	"github.com/postalgrid/delayer/internal/models"
)

var ErrNotFound = errors.New("not found")

// Key addresses a single record.
type Key struct {
	PK string
	SK string
}

// Query bounds one page of a range scan. Cursor is an opaque resumption token
// from a previous Page; an empty cursor starts at the beginning of the
// partition. Items are always returned in ascending sort-key order.
type Query struct {
	Limit  int
	Cursor string
}

// Page is one query result. Cursor is empty when the partition is exhausted.
type Page struct {
	Items  []models.DeliveryRequest
	Cursor string
}

// DeliveryStore persists delivery requests keyed by (week, workflow step).
type DeliveryStore interface {
	// QueryStep pages through a week+step partition in ascending sort order.
	QueryStep(ctx context.Context, week string, step models.WorkflowStep, q Query) (Page, error)
	// QueryPartition pages through a raw partition key (used for tombstones).
	QueryPartition(ctx context.Context, partition string, q Query) (Page, error)
	// BatchPutRequests upserts items, retrying transient partial failures.
	// Items still unwritten after bounded retries are returned; err is
	// reserved for whole-call failures.
	BatchPutRequests(ctx context.Context, items []models.DeliveryRequest) ([]models.DeliveryRequest, error)
	// BatchDeleteRequests removes items under their derived keys.
	BatchDeleteRequests(ctx context.Context, items []models.DeliveryRequest) error
	// AdvanceRequests moves requests to their next workflow step as one
	// logical operation: each rewritten copy in to is written under its new
	// keys, then the matching source row in from is removed. Callers see
	// step transitions, never the key-rewrite mechanics.
	AdvanceRequests(ctx context.Context, from, to []models.DeliveryRequest) error
	// LatestByRequestID resolves the most recently created record for a
	// request id, or ErrNotFound.
	LatestByRequestID(ctx context.Context, requestID string) (models.DeliveryRequest, error)
	// DeleteAndTombstone atomically removes the live record and writes its
	// tombstone copy; either both happen or neither does.
	DeleteAndTombstone(ctx context.Context, req models.DeliveryRequest) error
}

// EstimateStore persists weekly estimates and the geography distribution
// tables apportionment reads.
type EstimateStore interface {
	Distribution(ctx context.Context, region string) ([]models.GeographyShare, error)
	// PutEstimates overwrites full-week estimate records.
	PutEstimates(ctx context.Context, estimates []models.WeeklyEstimate) error
	// AddEstimate accumulates a partial-week quantity into the boundary week
	// record, creating it when absent. Two adjacent months must both be able
	// to contribute to the same record without clobbering each other.
	AddEstimate(ctx context.Context, estimate models.WeeklyEstimate) error
	// HasDeclaration reports whether estimates for a declaration file were
	// already ingested.
	HasDeclaration(ctx context.Context, fileKey string) (bool, error)
}

// CounterRow is one usage counter record.
type CounterRow struct {
	Scope  string
	Sort   string
	Values map[string]int64
}

// CounterStore accumulates usage counters. Increments are atomic; the only
// ordering guarantee is that the sum of increments equals the sum of work
// recorded.
type CounterStore interface {
	AddToCounter(ctx context.Context, scope, sort, field string, delta int64) error
	QueryCounters(ctx context.Context, scope string) ([]CounterRow, error)
}

// SequenceStore is the dedup ledger of upstream event sequence numbers.
type SequenceStore interface {
	// SeenSequences returns the subset of seqs already recorded.
	SeenSequences(ctx context.Context, seqs []string) (map[string]bool, error)
	RecordSequences(ctx context.Context, entries []models.SequenceLedgerEntry) error
}

// Store is the full durable surface the service depends on.
type Store interface {
	DeliveryStore
	EstimateStore
	CounterStore
	SequenceStore
	Ping(ctx context.Context) error
}
