package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalgrid/delayer/internal/models"
)

func seedWeek(t *testing.T, m *MemoryStore, week string, n int) []models.DeliveryRequest {
	t.Helper()
	reqs := make([]models.DeliveryRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, models.DeliveryRequest{
			RequestID:          fmt.Sprintf("REQ-%03d", i),
			CreatedAt:          fmt.Sprintf("2025-02-%02dT08:00:00Z", i+1),
			ProductType:        models.ProductAR,
			Geography:          "RM",
			Attempt:            1,
			PrepareRequestDate: fmt.Sprintf("2025-02-%02d", i+1),
			DeliveryWeek:       week,
			WorkflowStep:       models.StepEvaluateSenderLimit,
		})
	}
	failed, err := m.BatchPutRequests(context.Background(), reqs)
	require.NoError(t, err)
	require.Empty(t, failed)
	return reqs
}

func TestQueryStepPaginatesInSortOrder(t *testing.T) {
	m := NewMemoryStore()
	seedWeek(t, m, "2025-02-10", 5)
	ctx := context.Background()

	var (
		collected []string
		cursor    string
	)
	for {
		page, err := m.QueryStep(ctx, "2025-02-10", models.StepEvaluateSenderLimit, Query{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, it := range page.Items {
			collected = append(collected, it.RequestID)
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	assert.Equal(t, []string{"REQ-000", "REQ-001", "REQ-002", "REQ-003", "REQ-004"}, collected)
}

func TestQueryStepBadCursor(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.QueryStep(context.Background(), "2025-02-10", models.StepEvaluateSenderLimit, Query{Cursor: "%%%not-base64"})
	assert.Error(t, err)
}

func TestAdvanceRequestsRewritesSteps(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	reqs := seedWeek(t, m, "2025-02-10", 2)

	moved := make([]models.DeliveryRequest, len(reqs))
	for i, r := range reqs {
		r.Priority = 2
		r.WorkflowStep = models.StepSentToPreparePhase2
		moved[i] = r
	}
	require.NoError(t, m.AdvanceRequests(ctx, reqs, moved))

	src, err := m.QueryStep(ctx, "2025-02-10", models.StepEvaluateSenderLimit, Query{})
	require.NoError(t, err)
	assert.Empty(t, src.Items, "source rows are gone after the advance")

	dst, err := m.QueryStep(ctx, "2025-02-10", models.StepSentToPreparePhase2, Query{})
	require.NoError(t, err)
	assert.Len(t, dst.Items, 2)

	assert.Error(t, m.AdvanceRequests(ctx, reqs, moved[:1]), "mismatched batches are rejected")
}

func TestLatestByRequestIDPicksNewestAndIgnoresTombstones(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	old := models.DeliveryRequest{
		RequestID:          "REQ-1",
		CreatedAt:          "2025-01-01T00:00:00Z",
		Geography:          "RM",
		PrepareRequestDate: "2025-01-01",
		DeliveryWeek:       "2025-01-06",
		WorkflowStep:       models.StepEvaluateSenderLimit,
	}
	fresh := old
	fresh.CreatedAt = "2025-02-01T00:00:00Z"
	fresh.PrepareRequestDate = "2025-02-01"
	fresh.DeliveryWeek = "2025-02-10"
	_, err := m.BatchPutRequests(ctx, []models.DeliveryRequest{old, fresh})
	require.NoError(t, err)

	got, err := m.LatestByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-02-10", got.DeliveryWeek)

	require.NoError(t, m.DeleteAndTombstone(ctx, fresh))
	got, err = m.LatestByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-06", got.DeliveryWeek, "tombstoned copy no longer resolves")

	_, err = m.LatestByRequestID(ctx, "REQ-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndTombstone(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	reqs := seedWeek(t, m, "2025-02-17", 1)

	require.NoError(t, m.DeleteAndTombstone(ctx, reqs[0]))

	live, err := m.QueryStep(ctx, "2025-02-17", models.StepEvaluateSenderLimit, Query{})
	require.NoError(t, err)
	assert.Empty(t, live.Items)

	tomb, err := m.QueryPartition(ctx, models.TombstonePrefix+reqs[0].PartitionKey(), Query{})
	require.NoError(t, err)
	require.Len(t, tomb.Items, 1)
	assert.Equal(t, reqs[0].RequestID, tomb.Items[0].RequestID)

	assert.ErrorIs(t, m.DeleteAndTombstone(ctx, reqs[0]), ErrNotFound, "second delete finds nothing live")
}

func TestAddEstimateAccumulates(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	e := models.WeeklyEstimate{
		SenderID:    "s1",
		ProductType: models.ProductAR,
		Geography:   "RM",
		WeekStart:   "2025-01-27",
		SegmentKind: models.SegmentPartialEnd,
	}
	e.WeeklyQuantity = 50
	require.NoError(t, m.AddEstimate(ctx, e))
	e.WeeklyQuantity = 20
	e.SegmentKind = models.SegmentPartialStart
	require.NoError(t, m.AddEstimate(ctx, e))

	got, err := m.Estimate("s1", models.ProductAR, "RM", "2025-01-27")
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.WeeklyQuantity)
}

func TestCountersAccumulate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.AddToCounter(ctx, "2025-02-12", models.CounterExecution, "sentToPhaseTwo", 3))
	require.NoError(t, m.AddToCounter(ctx, "2025-02-12", models.CounterExecution, "sentToPhaseTwo", 4))

	rows, err := m.QueryCounters(ctx, "2025-02-12")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].Values["sentToPhaseTwo"])
}

func TestSequenceLedger(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.RecordSequences(ctx, []models.SequenceLedgerEntry{
		{SequenceNumber: "seq-1", Expiry: 1},
	}))

	seen, err := m.SeenSequences(ctx, []string{"seq-1", "seq-2"})
	require.NoError(t, err)
	assert.True(t, seen["seq-1"])
	assert.False(t, seen["seq-2"])
}
