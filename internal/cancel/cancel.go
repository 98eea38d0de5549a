// Package cancel compensates mid-flight cancellations: it correlates a
// cancellation signal with the admitted delivery requests it covers and,
// while they are still cancellable, atomically replaces each live record
// with its tombstone.
package cancel

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/postalgrid/delayer/internal/models"
	"github.com/postalgrid/delayer/internal/store"
	"github.com/postalgrid/delayer/internal/timeline"
)

// Signal is one upstream cancellation change-event. TrackingID identifies the
// notification whose prepare-phase requests must be withdrawn.
type Signal struct {
	SequenceNumber string `json:"sequenceNumber"`
	TrackingID     string `json:"trackingId"`
}

// Result reports one batch outcome. FailedSequences lets the caller re-drive
// only the failed signals.
type Result struct {
	Cancelled       int      `json:"cancelled"`
	Skipped         int      `json:"skipped"`
	FailedSequences []string `json:"failedSequences,omitempty"`
}

// Compensator processes cancellation signals against the durable store.
type Compensator struct {
	store    store.DeliveryStore
	timeline timeline.Client
	now      func() time.Time
}

func New(st store.DeliveryStore, tl timeline.Client) *Compensator {
	return &Compensator{store: st, timeline: tl, now: time.Now}
}

// Process handles one batch of signals. Failures are reported per signal and
// never abort the batch; non-cancellable or already-gone targets are skipped.
func (c *Compensator) Process(ctx context.Context, signals []Signal) Result {
	res := Result{}
	currentWeek := models.WeekOf(c.now())

	for _, sig := range signals {
		elements, err := c.timeline.Elements(ctx, sig.TrackingID)
		if err != nil {
			log.Printf("[cancel] timeline lookup for %s failed: %v", sig.TrackingID, err)
			res.FailedSequences = append(res.FailedSequences, sig.SequenceNumber)
			continue
		}
		failed := false
		for _, el := range elements {
			if !el.Cancellable() {
				continue
			}
			switch outcome, err := c.cancelRequest(ctx, el.ElementID, currentWeek); {
			case err != nil:
				log.Printf("[cancel] request %s: %v", el.ElementID, err)
				failed = true
			case outcome:
				res.Cancelled++
			default:
				res.Skipped++
			}
		}
		if failed {
			res.FailedSequences = append(res.FailedSequences, sig.SequenceNumber)
		}
	}
	log.Printf("[cancel] cancelled=%d skipped=%d failed=%d", res.Cancelled, res.Skipped, len(res.FailedSequences))
	return res
}

// cancelRequest resolves the latest admitted record for a request id and
// tombstones it if still cancellable. Returns (false, nil) for targets that
// need no action: never admitted, already past the pre-evaluation step, or
// scheduled in the week already in flight.
func (c *Compensator) cancelRequest(ctx context.Context, requestID, currentWeek string) (bool, error) {
	req, err := c.store.LatestByRequestID(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[cancel] no admitted record for %s, nothing to cancel", requestID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.WorkflowStep != models.StepEvaluateSenderLimit {
		log.Printf("[cancel] request %s already at %s, not cancellable", requestID, req.WorkflowStep)
		return false, nil
	}
	if req.DeliveryWeek == currentWeek {
		log.Printf("[cancel] request %s scheduled for the in-flight week %s, not cancellable", requestID, currentWeek)
		return false, nil
	}
	err = c.store.DeleteAndTombstone(ctx, req)
	if errors.Is(err, store.ErrNotFound) {
		// Raced with a concurrent promotion or cancellation.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
