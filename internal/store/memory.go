package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"github.com/postalgrid/delayer/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local runs. Sort order
// and cursor semantics match the DynamoDB implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]map[string]models.DeliveryRequest
	estimates     map[string]map[string]models.WeeklyEstimate
	distributions map[string][]models.GeographyShare
	counters      map[string]map[string]map[string]int64
	sequences     map[string]models.SequenceLedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      map[string]map[string]models.DeliveryRequest{},
		estimates:     map[string]map[string]models.WeeklyEstimate{},
		distributions: map[string][]models.GeographyShare{},
		counters:      map[string]map[string]map[string]int64{},
		sequences:     map[string]models.SequenceLedgerEntry{},
	}
}

// SeedDistribution installs a region's distribution table.
func (m *MemoryStore) SeedDistribution(region string, shares []models.GeographyShare) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributions[region] = append([]models.GeographyShare(nil), shares...)
}

func encodeCursor(sk string) string {
	return base64.StdEncoding.EncodeToString([]byte(sk))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *MemoryStore) QueryStep(ctx context.Context, week string, step models.WorkflowStep, q Query) (Page, error) {
	return m.QueryPartition(ctx, models.PartitionFor(week, step), q)
}

func (m *MemoryStore) QueryPartition(ctx context.Context, partition string, q Query) (Page, error) {
	after, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	part := m.requests[partition]
	sks := make([]string, 0, len(part))
	for sk := range part {
		if after == "" || sk > after {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)

	limit := q.Limit
	if limit <= 0 || limit > len(sks) {
		limit = len(sks)
	}
	page := Page{}
	for _, sk := range sks[:limit] {
		page.Items = append(page.Items, part[sk])
	}
	if limit < len(sks) {
		page.Cursor = encodeCursor(sks[limit-1])
	}
	return page, nil
}

func (m *MemoryStore) BatchPutRequests(ctx context.Context, items []models.DeliveryRequest) ([]models.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		pk := it.PartitionKey()
		if m.requests[pk] == nil {
			m.requests[pk] = map[string]models.DeliveryRequest{}
		}
		m.requests[pk][it.SortKey()] = it
	}
	return nil, nil
}

func (m *MemoryStore) BatchDeleteRequests(ctx context.Context, items []models.DeliveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		delete(m.requests[it.PartitionKey()], it.SortKey())
	}
	return nil
}

func (m *MemoryStore) AdvanceRequests(ctx context.Context, from, to []models.DeliveryRequest) error {
	if len(from) != len(to) {
		return fmt.Errorf("advance: %d source items for %d rewrites", len(from), len(to))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range to {
		pk := it.PartitionKey()
		if m.requests[pk] == nil {
			m.requests[pk] = map[string]models.DeliveryRequest{}
		}
		m.requests[pk][it.SortKey()] = it
	}
	for _, it := range from {
		delete(m.requests[it.PartitionKey()], it.SortKey())
	}
	return nil
}

func (m *MemoryStore) LatestByRequestID(ctx context.Context, requestID string) (models.DeliveryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.DeliveryRequest
		found  bool
	)
	for pk, part := range m.requests {
		if len(pk) >= len(models.TombstonePrefix) && pk[:len(models.TombstonePrefix)] == models.TombstonePrefix {
			continue
		}
		for _, it := range part {
			if it.RequestID != requestID {
				continue
			}
			if !found || it.CreatedAt > latest.CreatedAt {
				latest = it
				found = true
			}
		}
	}
	if !found {
		return models.DeliveryRequest{}, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) DeleteAndTombstone(ctx context.Context, req models.DeliveryRequest) error {
	pk := req.PartitionKey()
	sk := req.SortKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.requests[pk]
	if _, ok := part[sk]; !ok {
		return ErrNotFound
	}
	tombPK := models.TombstonePrefix + pk
	if m.requests[tombPK] == nil {
		m.requests[tombPK] = map[string]models.DeliveryRequest{}
	}
	delete(part, sk)
	m.requests[tombPK][sk] = req
	return nil
}

func (m *MemoryStore) Distribution(ctx context.Context, region string) ([]models.GeographyShare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.GeographyShare(nil), m.distributions[region]...), nil
}

func (m *MemoryStore) PutEstimates(ctx context.Context, estimates []models.WeeklyEstimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range estimates {
		pk := e.PartitionKey()
		if m.estimates[pk] == nil {
			m.estimates[pk] = map[string]models.WeeklyEstimate{}
		}
		m.estimates[pk][e.WeekStart] = e
	}
	return nil
}

func (m *MemoryStore) AddEstimate(ctx context.Context, estimate models.WeeklyEstimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := estimate.PartitionKey()
	if m.estimates[pk] == nil {
		m.estimates[pk] = map[string]models.WeeklyEstimate{}
	}
	if cur, ok := m.estimates[pk][estimate.WeekStart]; ok {
		cur.WeeklyQuantity += estimate.WeeklyQuantity
		m.estimates[pk][estimate.WeekStart] = cur
		return nil
	}
	m.estimates[pk][estimate.WeekStart] = estimate
	return nil
}

func (m *MemoryStore) HasDeclaration(ctx context.Context, fileKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, part := range m.estimates {
		for _, e := range part {
			if e.FileKey == fileKey {
				return true, nil
			}
		}
	}
	return false, nil
}

// Estimate returns a stored estimate record, or ErrNotFound. Test helper.
func (m *MemoryStore) Estimate(senderID, productType, geography, weekStart string) (models.WeeklyEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pk := models.WeeklyEstimate{SenderID: senderID, ProductType: productType, Geography: geography}.PartitionKey()
	e, ok := m.estimates[pk][weekStart]
	if !ok {
		return models.WeeklyEstimate{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) AddToCounter(ctx context.Context, scope, sortKey, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[scope] == nil {
		m.counters[scope] = map[string]map[string]int64{}
	}
	if m.counters[scope][sortKey] == nil {
		m.counters[scope][sortKey] = map[string]int64{}
	}
	m.counters[scope][sortKey][field] += delta
	return nil
}

func (m *MemoryStore) QueryCounters(ctx context.Context, scope string) ([]CounterRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorts := make([]string, 0, len(m.counters[scope]))
	for s := range m.counters[scope] {
		sorts = append(sorts, s)
	}
	sort.Strings(sorts)
	rows := make([]CounterRow, 0, len(sorts))
	for _, s := range sorts {
		values := map[string]int64{}
		for f, v := range m.counters[scope][s] {
			values[f] = v
		}
		rows = append(rows, CounterRow{Scope: scope, Sort: s, Values: values})
	}
	return rows, nil
}

func (m *MemoryStore) SeenSequences(ctx context.Context, seqs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for _, s := range seqs {
		if _, ok := m.sequences[s]; ok {
			seen[s] = true
		}
	}
	return seen, nil
}

func (m *MemoryStore) RecordSequences(ctx context.Context, entries []models.SequenceLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.sequences[e.SequenceNumber] = e
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
