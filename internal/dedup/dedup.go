// Package dedup guards admission of upstream per-request events into the
// pre-evaluation workflow step. Each event is admitted at most once: the guard
// drops events whose sequence number is already in the ledger, admits the
// rest, and only after a successful admission write records their sequence
// numbers. A crash between the two steps causes at most a harmless
// re-admission attempt, never a silent loss, because the request key is
// content-derived.
package dedup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/postalgrid/delayer/internal/models"
	"github.com/postalgrid/delayer/internal/store"
)

// Store is the durable surface the guard needs.
type Store interface {
	store.DeliveryStore
	store.CounterStore
	store.SequenceStore
}

// Result reports one batch outcome. FailedSequences identifies the records
// the stream consumer should re-drive; sibling records are unaffected.
type Result struct {
	Admitted        int
	Skipped         int
	FailedSequences []string
}

// Guard admits upstream event batches.
type Guard struct {
	store     Store
	ledgerTTL time.Duration
	now       func() time.Time
}

const defaultLedgerTTL = 14 * 24 * time.Hour

func New(st Store, ledgerTTL time.Duration) *Guard {
	if ledgerTTL <= 0 {
		ledgerTTL = defaultLedgerTTL
	}
	return &Guard{store: st, ledgerTTL: ledgerTTL, now: time.Now}
}

type candidate struct {
	seq string
	req models.DeliveryRequest
}

// Admit processes one batch of upstream events. Duplicate request ids within
// the batch keep the first occurrence; events whose sequence number is already
// recorded are dropped silently. Per-record persistence failures are collected
// in the result, not escalated; an error is returned only when the ledger
// lookup itself fails and nothing can be decided.
func (g *Guard) Admit(ctx context.Context, events []models.DeliveryEvent) (Result, error) {
	if len(events) == 0 {
		return Result{}, nil
	}
	now := g.now()
	week := models.WeekOf(now)

	candidates := make([]candidate, 0, len(events))
	seen := map[string]bool{}
	for _, ev := range events {
		if seen[ev.RequestID] {
			continue
		}
		seen[ev.RequestID] = true
		candidates = append(candidates, candidate{seq: ev.SequenceNumber, req: buildRequest(ev, week, now)})
	}

	seqs := make([]string, len(candidates))
	for i, c := range candidates {
		seqs[i] = c.seq
	}
	recorded, err := g.store.SeenSequences(ctx, seqs)
	if err != nil {
		return Result{}, fmt.Errorf("sequence ledger lookup: %w", err)
	}

	res := Result{Skipped: len(events) - len(candidates)}
	fresh := candidates[:0]
	for _, c := range candidates {
		if recorded[c.seq] {
			res.Skipped++
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		log.Printf("[dedup] batch of %d already processed", len(events))
		return res, nil
	}

	fresh = g.recordBypassCounters(ctx, week, fresh, &res)
	fresh = g.admit(ctx, fresh, &res)

	if len(fresh) > 0 {
		entries := make([]models.SequenceLedgerEntry, len(fresh))
		expiry := now.Add(g.ledgerTTL).Unix()
		for i, c := range fresh {
			entries[i] = models.SequenceLedgerEntry{SequenceNumber: c.seq, Expiry: expiry}
		}
		if err := g.store.RecordSequences(ctx, entries); err != nil {
			// The requests are already admitted; a retried batch re-runs into
			// idempotent writes, so losing the ledger write here is recoverable.
			log.Printf("[dedup] recording %d sequence numbers failed: %v", len(entries), err)
			for _, c := range fresh {
				res.FailedSequences = append(res.FailedSequences, c.seq)
			}
			return res, nil
		}
	}
	res.Admitted = len(fresh)
	log.Printf("[dedup] admitted=%d skipped=%d failed=%d", res.Admitted, res.Skipped, len(res.FailedSequences))
	return res, nil
}

func buildRequest(ev models.DeliveryEvent, week string, now time.Time) models.DeliveryRequest {
	return models.DeliveryRequest{
		RequestID:          ev.RequestID,
		CreatedAt:          now.UTC().Format(time.RFC3339),
		SenderID:           ev.SenderID,
		ProductType:        ev.ProductType,
		Geography:          ev.Geography,
		PostalCode:         ev.PostalCode,
		Attempt:            ev.Attempt,
		NotificationSentAt: ev.NotificationSentAt,
		PrepareRequestDate: ev.PrepareRequestDate,
		IUN:                ev.IUN,
		Driver:             ev.Driver,
		TenderID:           ev.TenderID,
		RecipientID:        ev.RecipientID,
		DeliveryWeek:       week,
		WorkflowStep:       models.StepEvaluateSenderLimit,
	}
}

// bypassesEvaluation reports whether a request skips sender-limit evaluation:
// all RS shipments, and the first attempt of any product.
func bypassesEvaluation(req models.DeliveryRequest) bool {
	return req.ProductType == models.ProductRS || req.Attempt == 1
}

// recordBypassCounters accumulates the per productType~geography counters for
// requests that bypass sender-limit evaluation. A failed counter update fails
// that group's records only.
func (g *Guard) recordBypassCounters(ctx context.Context, week string, cands []candidate, res *Result) []candidate {
	groups := map[string][]candidate{}
	for _, c := range cands {
		if !bypassesEvaluation(c.req) {
			continue
		}
		key := fmt.Sprintf("%s~%s", c.req.ProductType, c.req.Geography)
		groups[key] = append(groups[key], c)
	}

	failed := map[string]bool{}
	for key, group := range groups {
		sortKey := fmt.Sprintf("%s~%s", models.CounterAdmitted, key)
		if err := g.store.AddToCounter(ctx, week, sortKey, models.CounterFieldShipments, int64(len(group))); err != nil {
			log.Printf("[dedup] counter update for %s failed: %v", sortKey, err)
			for _, c := range group {
				failed[c.seq] = true
				res.FailedSequences = append(res.FailedSequences, c.seq)
			}
		}
	}
	if len(failed) == 0 {
		return cands
	}
	kept := cands[:0]
	for _, c := range cands {
		if !failed[c.seq] {
			kept = append(kept, c)
		}
	}
	return kept
}

// admit writes the remaining requests into the pre-evaluation partition and
// drops the ones the store could not persist.
func (g *Guard) admit(ctx context.Context, cands []candidate, res *Result) []candidate {
	items := make([]models.DeliveryRequest, len(cands))
	byRequestID := map[string]candidate{}
	for i, c := range cands {
		items[i] = c.req
		byRequestID[c.req.RequestID] = c
	}
	unwritten, err := g.store.BatchPutRequests(ctx, items)
	if err != nil {
		log.Printf("[dedup] admission write failed: %v", err)
		for _, c := range cands {
			res.FailedSequences = append(res.FailedSequences, c.seq)
		}
		return nil
	}
	if len(unwritten) == 0 {
		return cands
	}
	failed := map[string]bool{}
	for _, item := range unwritten {
		c := byRequestID[item.RequestID]
		failed[c.seq] = true
		res.FailedSequences = append(res.FailedSequences, c.seq)
	}
	kept := cands[:0]
	for _, c := range cands {
		if !failed[c.seq] {
			kept = append(kept, c)
		}
	}
	return kept
}
