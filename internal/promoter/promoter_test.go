package promoter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalgrid/delayer/internal/models"
	"github.com/postalgrid/delayer/internal/priority"
	"github.com/postalgrid/delayer/internal/store"
)

const (
	testExecDate = "2025-02-12" // Wednesday
	testWeek     = "2025-02-10"
)

func testTable(t *testing.T) priority.Table {
	t.Helper()
	table, err := priority.Parse([]byte(`{
		"1": ["PRODUCT_890.ATTEMPT_1"],
		"2": ["PRODUCT_AR.ATTEMPT_1"],
		"3": ["PRODUCT_RS.ATTEMPT_1"]
	}`))
	require.NoError(t, err)
	return table
}

func seedRequests(t *testing.T, st *store.MemoryStore, n int) []models.DeliveryRequest {
	t.Helper()
	reqs := make([]models.DeliveryRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, models.DeliveryRequest{
			RequestID:          fmt.Sprintf("REQ-%03d", i),
			CreatedAt:          fmt.Sprintf("2025-02-%02dT08:00:00Z", i+1),
			SenderID:           "sender-1",
			ProductType:        models.ProductAR,
			Geography:          "RM",
			Attempt:            1,
			PrepareRequestDate: fmt.Sprintf("2025-02-%02d", i+1),
			DeliveryWeek:       testWeek,
			WorkflowStep:       models.StepEvaluateSenderLimit,
		})
	}
	failed, err := st.BatchPutRequests(context.Background(), reqs)
	require.NoError(t, err)
	require.Empty(t, failed)
	return reqs
}

func stepItems(t *testing.T, st *store.MemoryStore, week string, step models.WorkflowStep) []models.DeliveryRequest {
	t.Helper()
	page, err := st.QueryStep(context.Background(), week, step, store.Query{})
	require.NoError(t, err)
	return page.Items
}

func TestPromoteMovesOldestFirstWithinSlotTarget(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 5)
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 4, DailyExecutions: 2, WeeklyCapacity: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, ResultProgress, out.Result)
	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, 2, out.Variable.CounterSoFar)
	assert.NotEmpty(t, out.Variable.LastCursor)
	assert.False(t, out.LastExecution)

	promoted := stepItems(t, st, testWeek, models.StepSentToPreparePhase2)
	require.Len(t, promoted, 2)
	for _, p := range promoted {
		assert.Equal(t, models.StepSentToPreparePhase2, p.WorkflowStep)
		assert.Equal(t, 2, p.Priority, "AR first attempt maps to level 2")
	}
	// Oldest ordering dates go first.
	assert.Equal(t, "REQ-000", promoted[0].RequestID)
	assert.Equal(t, "REQ-001", promoted[1].RequestID)

	remaining := stepItems(t, st, testWeek, models.StepEvaluateSenderLimit)
	assert.Len(t, remaining, 3)
}

func TestPromoteSlotTargetExhaustedIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 3)
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 4, DailyExecutions: 2, WeeklyCapacity: 100},
		Variable:      Variable{CounterSoFar: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, ResultNoOp, out.Result)
	assert.Equal(t, 0, out.Processed)
	assert.Equal(t, 2, out.Variable.CounterSoFar)
	assert.Len(t, stepItems(t, st, testWeek, models.StepEvaluateSenderLimit), 3)
}

func TestPromoteWeeklyCapBoundsQuota(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 5)
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 100, DailyExecutions: 1, WeeklyCapacity: 10, SentToPhaseTwo: 9},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Processed)
	assert.Len(t, stepItems(t, st, testWeek, models.StepSentToPreparePhase2), 1)
}

func TestPromoteHaltedIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 3)
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 10, DailyExecutions: 1, WeeklyCapacity: 100},
		Variable:      Variable{StopFlag: true},
	})
	require.NoError(t, err)

	assert.Equal(t, ResultNoOp, out.Result)
	assert.True(t, out.Variable.StopFlag, "halt flag must survive the round trip")
	assert.Len(t, stepItems(t, st, testWeek, models.StepEvaluateSenderLimit), 3)
}

func TestPromoteMissingPriorityMappingFails(t *testing.T) {
	st := store.NewMemoryStore()
	reqs := seedRequests(t, st, 1)
	table, err := priority.Parse([]byte(`{"1": ["PRODUCT_890.ATTEMPT_1"]}`))
	require.NoError(t, err)
	svc := New(st, table, Options{})

	_, err = svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 10, DailyExecutions: 1, WeeklyCapacity: 100},
	})
	require.Error(t, err)

	var missing *priority.MissingMappingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, models.ProductAR, missing.ProductType)
	assert.Contains(t, err.Error(), reqs[0].RequestID)
}

func TestPromoteCeilingYieldsResumableCursor(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 5)
	svc := New(st, testTable(t), Options{QueryLimit: 2, SafetyCeiling: 2})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 5, DailyExecutions: 1, WeeklyCapacity: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Processed)
	require.NotEmpty(t, out.Variable.LastCursor)

	// Resume from the yielded cursor; the remaining slot quota drains the rest.
	svc = New(st, testTable(t), Options{QueryLimit: 2})
	out, err = svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 5, DailyExecutions: 1, WeeklyCapacity: 100},
		Variable:      out.Variable,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Processed)
	assert.Equal(t, 5, out.Variable.CounterSoFar)
	assert.Len(t, stepItems(t, st, testWeek, models.StepSentToPreparePhase2), 5)
	assert.Empty(t, stepItems(t, st, testWeek, models.StepEvaluateSenderLimit))
}

func TestPromoteReinvokeOverDrainedPartitionIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 2)
	svc := New(st, testTable(t), Options{})
	in := Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 10, DailyExecutions: 1, WeeklyCapacity: 100},
	}

	out, err := svc.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 2, out.Processed)

	in.Variable = Variable{LastCursor: out.Variable.LastCursor}
	out, err = svc.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)
	assert.Equal(t, 0, out.Processed)
	assert.Len(t, stepItems(t, st, testWeek, models.StepSentToPreparePhase2), 2)
}

func TestDemoteRedirectsOverflowToNextWeek(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 5)
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToNextWeek,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyExecutions: 1, WeeklyCapacity: 6, NumberOfShipments: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Processed)

	nextWeek, err := models.NextWeek(testWeek)
	require.NoError(t, err)
	moved := stepItems(t, st, nextWeek, models.StepEvaluateSenderLimit)
	require.Len(t, moved, 4)
	for _, m := range moved {
		assert.Equal(t, models.StepEvaluateSenderLimit, m.WorkflowStep)
		assert.Equal(t, nextWeek, m.DeliveryWeek)
		assert.Zero(t, m.Priority, "demotion never assigns priority")
	}
	assert.Len(t, stepItems(t, st, testWeek, models.StepEvaluateSenderLimit), 1)
}

func TestDemoteCeilingResumesOnUncoveredExcessOnly(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 10)
	fixed := Fixed{DailyExecutions: 1, WeeklyCapacity: 7, NumberOfShipments: 10} // excess 3
	svc := New(st, testTable(t), Options{QueryLimit: 2, SafetyCeiling: 2})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToNextWeek,
		ExecutionDate: testExecDate,
		Fixed:         fixed,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Processed)
	require.NotEmpty(t, out.Variable.LastCursor)

	// Resuming with the threaded variable block covers only the remaining
	// excess, not the full overflow again.
	svc = New(st, testTable(t), Options{QueryLimit: 2})
	out, err = svc.Run(context.Background(), Input{
		ProcessType:   SendToNextWeek,
		ExecutionDate: testExecDate,
		Fixed:         fixed,
		Variable:      out.Variable,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 3, out.Variable.CounterSoFar)

	out, err = svc.Run(context.Background(), Input{
		ProcessType:   SendToNextWeek,
		ExecutionDate: testExecDate,
		Fixed:         fixed,
		Variable:      out.Variable,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)

	nextWeek, err := models.NextWeek(testWeek)
	require.NoError(t, err)
	assert.Len(t, stepItems(t, st, nextWeek, models.StepEvaluateSenderLimit), 3)
	assert.Len(t, stepItems(t, st, testWeek, models.StepEvaluateSenderLimit), 7)
}

func TestDemoteNoOverflowIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 3)
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToNextWeek,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyExecutions: 1, WeeklyCapacity: 10, NumberOfShipments: 8, SentToNextWeek: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, out.Result)
	assert.Len(t, stepItems(t, st, testWeek, models.StepEvaluateSenderLimit), 3)
}

func TestRunRecordsExecutionCounters(t *testing.T) {
	st := store.NewMemoryStore()
	seedRequests(t, st, 3)
	svc := New(st, testTable(t), Options{})

	_, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 3, DailyExecutions: 1, WeeklyCapacity: 100},
	})
	require.NoError(t, err)

	rows, err := st.QueryCounters(context.Background(), testExecDate)
	require.NoError(t, err)
	byKey := map[string]map[string]int64{}
	for _, r := range rows {
		byKey[r.Sort] = r.Values
	}
	assert.Equal(t, int64(3), byKey[models.CounterExecution]["sentToPhaseTwo"])
	assert.Equal(t, int64(3), byKey["sentToPhaseTwo~AR~RM"][models.CounterFieldShipments])
}

func TestRunLastExecutionFlag(t *testing.T) {
	st := store.NewMemoryStore()
	svc := New(st, testTable(t), Options{})

	out, err := svc.Run(context.Background(), Input{
		ProcessType:   SendToPhase2,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{DailyCapacity: 6, DailyExecutions: 3, WeeklyCapacity: 100, ExecutionCounter: 2},
	})
	require.NoError(t, err)
	assert.True(t, out.LastExecution)
}

func TestRunRejectsBadInput(t *testing.T) {
	svc := New(store.NewMemoryStore(), testTable(t), Options{})

	_, err := svc.Run(context.Background(), Input{ProcessType: SendToPhase2, ExecutionDate: "12-02-2025"})
	assert.Error(t, err)

	_, err = svc.Run(context.Background(), Input{ProcessType: "REBALANCE", ExecutionDate: testExecDate})
	assert.Error(t, err)

	_, err = svc.Run(context.Background(), Input{
		ProcessType:   SendToNextWeek,
		ExecutionDate: testExecDate,
		Fixed:         Fixed{NumberOfShipments: 5},
	})
	assert.Error(t, err, "zero dailyExecutions is malformed for either transition")
}
