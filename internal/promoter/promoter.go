// Package promoter advances delivery requests through capacity-gated workflow
// steps. Each invocation promotes (or demotes) at most the remaining quota of
// requests in ascending sort order, then yields a resumption cursor so the
// external orchestrator can re-invoke the same transition until the backlog
// drains or capacity runs out. Invocations are idempotent-resumable: advancing
// a request rewrites it under the target step's key and removes the source
// row, so a re-run over unchanged state finds nothing left to move.
package promoter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/postalgrid/delayer/internal/models"
	"github.com/postalgrid/delayer/internal/priority"
	"github.com/postalgrid/delayer/internal/store"
)

// ProcessType selects the transition an invocation performs.
type ProcessType string

const (
	SendToPhase2   ProcessType = "SEND_TO_PHASE_2"
	SendToNextWeek ProcessType = "SEND_TO_NEXT_WEEK"
)

// Fixed is the per-day counter block captured by the orchestrator at the
// start of the execution slot.
type Fixed struct {
	DailyCapacity     int `json:"dailyCapacity"`
	DailyExecutions   int `json:"dailyExecutions"`
	WeeklyCapacity    int `json:"weeklyCapacity"`
	NumberOfShipments int `json:"numberOfShipments"`
	SentToPhaseTwo    int `json:"sentToPhaseTwo"`
	SentToNextWeek    int `json:"sentToNextWeek"`
	ExecutionCounter  int `json:"executionCounter"`
}

// Variable is the resumable state threaded between invocations.
type Variable struct {
	LastCursor   string `json:"lastCursor,omitempty"`
	CounterSoFar int    `json:"counterSoFar"`
	StopFlag     bool   `json:"stopFlag"`
}

// Input is the promoter invocation contract.
type Input struct {
	ProcessType   ProcessType `json:"processType"`
	ExecutionDate string      `json:"executionDate"` // YYYY-MM-DD
	Fixed         Fixed       `json:"fixed"`
	Variable      Variable    `json:"variable"`
}

// Result classifies an invocation outcome. Backpressure (quota exhausted,
// administrative halt) is a defined zero-progress success, not an error.
type Result string

const (
	ResultProgress Result = "PROGRESS"
	ResultNoOp     Result = "NO_OP"
)

// Output carries the updated variable block back to the orchestrator.
// LastExecution signals that this was the day's final scheduled slot.
type Output struct {
	Variable      Variable `json:"variable"`
	Result        Result   `json:"result"`
	Processed     int      `json:"processed"`
	LastExecution bool     `json:"lastExecution"`
}

// Budget bounds one invocation: Remaining is the quota still admissible,
// Ceiling the hard per-invocation item limit protecting the orchestrator's
// execution-time budget.
type Budget struct {
	Remaining int
	Ceiling   int
}

func (b Budget) exhausted() bool { return b.Remaining <= 0 || b.Ceiling <= 0 }

func (b Budget) pageLimit(queryLimit int) int {
	limit := b.Remaining
	if b.Ceiling < limit {
		limit = b.Ceiling
	}
	if queryLimit > 0 && queryLimit < limit {
		limit = queryLimit
	}
	return limit
}

// Store is the durable surface the promoter needs.
type Store interface {
	store.DeliveryStore
	store.CounterStore
}

// Options tune pagination. Zero values fall back to defaults.
type Options struct {
	QueryLimit    int
	SafetyCeiling int
}

const (
	defaultQueryLimit    = 1000
	defaultSafetyCeiling = 10000
)

// Service runs promoter transitions. The orchestrator must ensure at most one
// invocation per (week, transition) runs at a time; the service itself takes
// no locks.
type Service struct {
	store         Store
	priorities    priority.Table
	queryLimit    int
	safetyCeiling int
}

func New(st Store, priorities priority.Table, opts Options) *Service {
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = defaultQueryLimit
	}
	if opts.SafetyCeiling <= 0 {
		opts.SafetyCeiling = defaultSafetyCeiling
	}
	return &Service{
		store:         st,
		priorities:    priorities,
		queryLimit:    opts.QueryLimit,
		safetyCeiling: opts.SafetyCeiling,
	}
}

const dateLayout = "2006-01-02"

// Run executes one transition invocation.
func (s *Service) Run(ctx context.Context, in Input) (Output, error) {
	execDate, err := time.Parse(dateLayout, in.ExecutionDate)
	if err != nil {
		return Output{}, fmt.Errorf("malformed execution date %q: %w", in.ExecutionDate, err)
	}
	week := models.WeekOf(execDate)

	switch in.ProcessType {
	case SendToPhase2:
		return s.promote(ctx, in, week)
	case SendToNextWeek:
		return s.demote(ctx, in, week)
	default:
		return Output{}, fmt.Errorf("unknown process type %q", in.ProcessType)
	}
}

func (s *Service) lastExecution(f Fixed) bool {
	return f.ExecutionCounter+1 >= f.DailyExecutions
}

func noOp(in Input, last bool) Output {
	return Output{Variable: in.Variable, Result: ResultNoOp, LastExecution: last}
}

// promote moves requests from the pre-evaluation step into the prepare phase,
// most urgent and oldest first, bounded by the per-execution target and the
// remaining weekly cap.
func (s *Service) promote(ctx context.Context, in Input, week string) (Output, error) {
	last := s.lastExecution(in.Fixed)
	if in.Variable.StopFlag {
		log.Printf("[promoter] week=%s promotion administratively halted", week)
		return noOp(in, last), nil
	}
	if in.Fixed.DailyExecutions <= 0 {
		return Output{}, fmt.Errorf("dailyExecutions must be positive, got %d", in.Fixed.DailyExecutions)
	}
	perExecution := in.Fixed.DailyCapacity / in.Fixed.DailyExecutions
	toPromote := perExecution - in.Variable.CounterSoFar
	weeklyRemaining := in.Fixed.WeeklyCapacity - in.Fixed.SentToPhaseTwo
	if toPromote <= 0 || weeklyRemaining <= 0 {
		log.Printf("[promoter] week=%s no promotion quota (slot=%d weekly=%d)", week, toPromote, weeklyRemaining)
		return noOp(in, last), nil
	}
	quota := toPromote
	if weeklyRemaining < quota {
		quota = weeklyRemaining
	}

	transform := func(r models.DeliveryRequest) (models.DeliveryRequest, error) {
		level, err := s.priorities.Lookup(r.ProductType, r.Attempt)
		if err != nil {
			return models.DeliveryRequest{}, fmt.Errorf("request %s: %w", r.RequestID, err)
		}
		r.Priority = level
		r.DeliveryWeek = week
		r.WorkflowStep = models.StepSentToPreparePhase2
		return r, nil
	}

	processed, cursor, err := s.drain(ctx, week, transform, Budget{Remaining: quota, Ceiling: s.safetyCeiling}, in.Variable.LastCursor, in.ExecutionDate, "sentToPhaseTwo")
	if err != nil {
		return Output{}, err
	}
	out := Output{
		Variable: Variable{
			LastCursor:   cursor,
			CounterSoFar: in.Variable.CounterSoFar + processed,
			StopFlag:     in.Variable.StopFlag,
		},
		Processed:     processed,
		Result:        ResultProgress,
		LastExecution: last,
	}
	if processed == 0 {
		out.Result = ResultNoOp
	}
	return out, nil
}

// demote redirects the week's overflow (admitted shipments beyond the weekly
// cap not already redirected) into the following week's pre-evaluation step.
func (s *Service) demote(ctx context.Context, in Input, week string) (Output, error) {
	last := s.lastExecution(in.Fixed)
	if in.Fixed.DailyExecutions <= 0 {
		return Output{}, fmt.Errorf("dailyExecutions must be positive, got %d", in.Fixed.DailyExecutions)
	}
	// CounterSoFar is this slot's progress threaded between invocations, so a
	// resumed run budgets only the still-uncovered excess.
	excess := in.Fixed.NumberOfShipments - in.Fixed.WeeklyCapacity - in.Fixed.SentToNextWeek - in.Variable.CounterSoFar
	if excess <= 0 {
		log.Printf("[promoter] week=%s no overflow to redirect", week)
		return noOp(in, last), nil
	}
	nextWeek, err := models.NextWeek(week)
	if err != nil {
		return Output{}, err
	}

	transform := func(r models.DeliveryRequest) (models.DeliveryRequest, error) {
		r.DeliveryWeek = nextWeek
		r.WorkflowStep = models.StepEvaluateSenderLimit
		return r, nil
	}

	processed, cursor, err := s.drain(ctx, week, transform, Budget{Remaining: excess, Ceiling: s.safetyCeiling}, in.Variable.LastCursor, in.ExecutionDate, "sentToNextWeek")
	if err != nil {
		return Output{}, err
	}
	out := Output{
		Variable: Variable{
			LastCursor:   cursor,
			CounterSoFar: in.Variable.CounterSoFar + processed,
			StopFlag:     in.Variable.StopFlag,
		},
		Processed:     processed,
		Result:        ResultProgress,
		LastExecution: last,
	}
	if processed == 0 {
		out.Result = ResultNoOp
	}
	return out, nil
}

// drain is the bounded pagination loop shared by both transitions. It scans
// the source partition in ascending sort order from cursor, advances each
// fetched batch through transform and accumulates usage counters, until the
// budget is spent or the partition is exhausted.
// Partial progress committed before an error is not rolled back.
func (s *Service) drain(ctx context.Context, week string, transform func(models.DeliveryRequest) (models.DeliveryRequest, error), budget Budget, cursor string, executionDate, counterField string) (int, string, error) {
	processed := 0
	for !budget.exhausted() {
		page, err := s.store.QueryStep(ctx, week, models.StepEvaluateSenderLimit, store.Query{
			Limit:  budget.pageLimit(s.queryLimit),
			Cursor: cursor,
		})
		if err != nil {
			return processed, cursor, err
		}
		if len(page.Items) > 0 {
			moved := make([]models.DeliveryRequest, 0, len(page.Items))
			for _, item := range page.Items {
				out, err := transform(item)
				if err != nil {
					return processed, cursor, err
				}
				moved = append(moved, out)
			}
			if err := s.store.AdvanceRequests(ctx, page.Items, moved); err != nil {
				return processed, cursor, err
			}
			if err := s.recordUsage(ctx, executionDate, counterField, moved); err != nil {
				return processed, cursor, err
			}
			n := len(page.Items)
			processed += n
			budget.Remaining -= n
			budget.Ceiling -= n
		}
		cursor = page.Cursor
		if cursor == "" {
			break
		}
	}
	log.Printf("[promoter] week=%s %s processed=%d resumable=%v", week, counterField, processed, cursor != "")
	return processed, cursor, nil
}

// recordUsage accumulates the execution-slot counter and the per
// productType~geography usage counters for one moved batch. Counters are
// additive, so retried invocations converge on the true totals.
func (s *Service) recordUsage(ctx context.Context, executionDate, counterField string, moved []models.DeliveryRequest) error {
	if err := s.store.AddToCounter(ctx, executionDate, models.CounterExecution, counterField, int64(len(moved))); err != nil {
		return err
	}
	byGroup := map[string]int64{}
	for _, r := range moved {
		byGroup[fmt.Sprintf("%s~%s~%s", counterField, r.ProductType, r.Geography)]++
	}
	for group, n := range byGroup {
		if err := s.store.AddToCounter(ctx, executionDate, group, models.CounterFieldShipments, n); err != nil {
			return err
		}
	}
	return nil
}
