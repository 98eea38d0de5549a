package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalgrid/delayer/internal/models"
	"github.com/postalgrid/delayer/internal/store"
)

var testNow = time.Date(2025, 2, 12, 9, 0, 0, 0, time.UTC) // Wednesday

const testWeek = "2025-02-10"

func newGuard(st Store) *Guard {
	g := New(st, 0)
	g.now = func() time.Time { return testNow }
	return g
}

func event(i int, productType string, attempt int) models.DeliveryEvent {
	return models.DeliveryEvent{
		SequenceNumber:     fmt.Sprintf("seq-%03d", i),
		RequestID:          fmt.Sprintf("REQ-%03d", i),
		ProductType:        productType,
		Attempt:            attempt,
		SenderID:           "sender-1",
		Geography:          "RM",
		NotificationSentAt: "2025-02-01",
		PrepareRequestDate: "2025-02-10",
	}
}

func pendingItems(t *testing.T, st *store.MemoryStore) []models.DeliveryRequest {
	t.Helper()
	page, err := st.QueryStep(context.Background(), testWeek, models.StepEvaluateSenderLimit, store.Query{})
	require.NoError(t, err)
	return page.Items
}

func TestAdmitFreshBatch(t *testing.T) {
	st := store.NewMemoryStore()
	g := newGuard(st)

	res, err := g.Admit(context.Background(), []models.DeliveryEvent{
		event(0, models.ProductAR, 1),
		event(1, models.Product890, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Admitted)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.FailedSequences)

	items := pendingItems(t, st)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, models.StepEvaluateSenderLimit, it.WorkflowStep)
		assert.Equal(t, testWeek, it.DeliveryWeek)
		assert.NotEmpty(t, it.CreatedAt)
	}

	seen, err := st.SeenSequences(context.Background(), []string{"seq-000", "seq-001"})
	require.NoError(t, err)
	assert.True(t, seen["seq-000"])
	assert.True(t, seen["seq-001"])
}

func TestAdmitReplayProducesNothingNew(t *testing.T) {
	st := store.NewMemoryStore()
	g := newGuard(st)
	batch := []models.DeliveryEvent{event(0, models.ProductAR, 1), event(1, models.ProductAR, 1)}

	res, err := g.Admit(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 2, res.Admitted)

	res, err = g.Admit(context.Background(), batch)
	require.NoError(t, err)
	assert.Zero(t, res.Admitted)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, pendingItems(t, st), 2)
}

func TestAdmitDropsInBatchDuplicateRequestIDs(t *testing.T) {
	st := store.NewMemoryStore()
	g := newGuard(st)

	first := event(0, models.ProductAR, 1)
	dup := event(1, models.Product890, 2)
	dup.RequestID = first.RequestID

	res, err := g.Admit(context.Background(), []models.DeliveryEvent{first, dup})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Admitted)
	assert.Equal(t, 1, res.Skipped)

	items := pendingItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, models.ProductAR, items[0].ProductType, "first occurrence wins")
}

func TestAdmitCountsEvaluationBypass(t *testing.T) {
	st := store.NewMemoryStore()
	g := newGuard(st)

	_, err := g.Admit(context.Background(), []models.DeliveryEvent{
		event(0, models.ProductAR, 1),  // first attempt: counted
		event(1, models.ProductRS, 2),  // RS: always counted
		event(2, models.ProductAR, 2),  // retry of evaluated product: not counted
		event(3, models.Product890, 1), // first attempt: counted
	})
	require.NoError(t, err)

	rows, err := st.QueryCounters(context.Background(), testWeek)
	require.NoError(t, err)
	counts := map[string]int64{}
	for _, r := range rows {
		counts[r.Sort] = r.Values[models.CounterFieldShipments]
	}
	assert.Equal(t, int64(1), counts["ADMITTED~AR~RM"])
	assert.Equal(t, int64(1), counts["ADMITTED~RS~RM"])
	assert.Equal(t, int64(1), counts["ADMITTED~890~RM"])
	assert.Len(t, counts, 3, "the evaluated retry contributes no counter")
}

type counterFailStore struct {
	*store.MemoryStore
	failSort string
}

func (s *counterFailStore) AddToCounter(ctx context.Context, scope, sortKey, field string, delta int64) error {
	if sortKey == s.failSort {
		return errors.New("provisioned throughput exceeded")
	}
	return s.MemoryStore.AddToCounter(ctx, scope, sortKey, field, delta)
}

func TestAdmitCounterFailureFailsOnlyThatGroup(t *testing.T) {
	st := &counterFailStore{MemoryStore: store.NewMemoryStore(), failSort: "ADMITTED~RS~RM"}
	g := newGuard(st)

	res, err := g.Admit(context.Background(), []models.DeliveryEvent{
		event(0, models.ProductRS, 1),
		event(1, models.ProductAR, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Admitted)
	assert.Equal(t, []string{"seq-000"}, res.FailedSequences)

	items := pendingItems(t, st.MemoryStore)
	require.Len(t, items, 1)
	assert.Equal(t, "REQ-001", items[0].RequestID)

	// The failed record's sequence stays unrecorded so a re-drive can succeed.
	seen, err := st.SeenSequences(context.Background(), []string{"seq-000", "seq-001"})
	require.NoError(t, err)
	assert.False(t, seen["seq-000"])
	assert.True(t, seen["seq-001"])
}

type ledgerFailStore struct {
	*store.MemoryStore
}

func (s *ledgerFailStore) RecordSequences(ctx context.Context, entries []models.SequenceLedgerEntry) error {
	return errors.New("ledger unavailable")
}

func TestAdmitLedgerFailureReportsRecordsForRedrive(t *testing.T) {
	st := &ledgerFailStore{MemoryStore: store.NewMemoryStore()}
	g := newGuard(st)

	res, err := g.Admit(context.Background(), []models.DeliveryEvent{event(0, models.ProductAR, 1)})
	require.NoError(t, err)
	assert.Zero(t, res.Admitted)
	assert.Equal(t, []string{"seq-000"}, res.FailedSequences)

	// Admission already happened; the re-driven batch converges on the same row.
	assert.Len(t, pendingItems(t, st.MemoryStore), 1)
}

func TestAdmitEmptyBatch(t *testing.T) {
	g := newGuard(store.NewMemoryStore())
	res, err := g.Admit(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Admitted)
}
