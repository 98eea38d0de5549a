// Package apportion turns a monthly region-level delivery-volume declaration
// into calendar-week, per-geography estimate records.
//
// Each Monday-aligned week overlapping the reference month becomes a segment,
// clipped to the month's bounds. A geography's weekly quantity is
// round(monthly/daysInMonth × daysInSegment), rounded half-up per segment
// with no reconciliation pass: segment sums may drift by ±1 from the exact
// monthly total, which is an accepted property of the algorithm.
package apportion

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/postalgrid/delayer/internal/models"
	"github.com/postalgrid/delayer/internal/store"
)

// Declaration is the parsed monthly declaration document.
type Declaration struct {
	SenderID        string    `json:"senderId"`
	ReferencePeriod string    `json:"referencePeriod"` // "MM-YYYY"
	LastUpdate      string    `json:"lastUpdate"`
	Products        []Product `json:"products"`
}

type Product struct {
	ProductType string    `json:"productType"`
	Variants    []Variant `json:"variants"`
}

// Variant declares one region's monthly volume.
type Variant struct {
	Geography       string  `json:"geography"`
	MonthlyQuantity float64 `json:"monthlyQuantity"`
}

// Store is the durable surface apportionment writes to.
type Store interface {
	store.EstimateStore
	store.CounterStore
}

// Service apportions declarations. Only products in the allow-list
// participate; every other product is ignored.
type Service struct {
	store   Store
	allowed map[string]bool
}

func New(st Store, allowedProducts []string) *Service {
	allowed := map[string]bool{}
	for _, p := range allowedProducts {
		allowed[p] = true
	}
	return &Service{store: st, allowed: allowed}
}

type segment struct {
	weekStart time.Time
	days      int
	kind      models.WeekSegmentKind
}

const dateLayout = "2006-01-02"

// Run apportions one declaration and persists the resulting estimates:
// full-week segments as plain upserts, partial segments as additive updates
// so adjacent months accumulate into the shared boundary week. A region with
// no configured distribution table is logged and skipped; a malformed
// reference period fails the whole run.
func (s *Service) Run(ctx context.Context, decl Declaration, fileKey string) ([]models.WeeklyEstimate, error) {
	segments, daysInMonth, err := monthContext(decl.ReferencePeriod)
	if err != nil {
		return nil, err
	}
	log.Printf("[apportion] sender=%s period=%s segments=%d daysInMonth=%d",
		decl.SenderID, decl.ReferencePeriod, len(segments), daysInMonth)

	var all []models.WeeklyEstimate
	for _, product := range decl.Products {
		if !s.allowed[product.ProductType] {
			continue
		}
		for _, variant := range product.Variants {
			shares, err := s.store.Distribution(ctx, variant.Geography)
			if err != nil {
				return nil, fmt.Errorf("distribution for %s: %w", variant.Geography, err)
			}
			if len(shares) == 0 {
				log.Printf("[apportion] no distribution configured for region %q, skipping", variant.Geography)
				continue
			}
			estimates := buildEstimates(decl, product.ProductType, variant, shares, segments, daysInMonth, fileKey)
			if len(estimates) == 0 {
				continue
			}
			if err := s.persist(ctx, estimates); err != nil {
				return nil, err
			}
			all = append(all, estimates...)
		}
	}
	log.Printf("[apportion] sender=%s period=%s records=%d", decl.SenderID, decl.ReferencePeriod, len(all))
	return all, nil
}

func buildEstimates(decl Declaration, productType string, variant Variant, shares []models.GeographyShare, segments []segment, daysInMonth int, fileKey string) []models.WeeklyEstimate {
	var estimates []models.WeeklyEstimate
	for _, share := range shares {
		monthly := variant.MonthlyQuantity * share.Share() / 100
		daily := monthly / float64(daysInMonth)
		for _, seg := range segments {
			weekly := int64(math.Round(daily * float64(seg.days)))
			estimates = append(estimates, models.WeeklyEstimate{
				SenderID:                decl.SenderID,
				ProductType:             productType,
				Geography:               share.Geography,
				WeekStart:               seg.weekStart.Format(dateLayout),
				WeeklyQuantity:          weekly,
				MonthlyQuantity:         monthly,
				OriginalMonthlyQuantity: variant.MonthlyQuantity,
				SegmentKind:             seg.kind,
				DaysInSegment:           seg.days,
				LastUpdate:              decl.LastUpdate,
				FileKey:                 fileKey,
			})
		}
	}
	return estimates
}

func (s *Service) persist(ctx context.Context, estimates []models.WeeklyEstimate) error {
	var full []models.WeeklyEstimate
	for _, e := range estimates {
		if e.Partial() {
			// Boundary weeks accumulate: the tail of one month and the head
			// of the next both land in the same record.
			if err := s.store.AddEstimate(ctx, e); err != nil {
				return err
			}
			continue
		}
		full = append(full, e)
	}
	if len(full) > 0 {
		if err := s.store.PutEstimates(ctx, full); err != nil {
			return err
		}
	}
	for _, e := range estimates {
		sortKey := fmt.Sprintf("%s~%s~%s~%s", models.CounterSumEstimates, e.ProductType, e.Geography, e.LastUpdate)
		if err := s.store.AddToCounter(ctx, e.WeekStart, sortKey, models.CounterFieldShipments, e.WeeklyQuantity); err != nil {
			return err
		}
	}
	return nil
}

// monthContext computes the Monday-aligned week segments overlapping the
// reference month and the number of days in it. The period format is
// "MM-YYYY"; anything else is fatal for the run.
func monthContext(referencePeriod string) ([]segment, int, error) {
	parts := strings.Split(referencePeriod, "-")
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("malformed reference period %q, want MM-YYYY", referencePeriod)
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return nil, 0, fmt.Errorf("malformed reference period %q: bad month", referencePeriod)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 1 {
		return nil, 0, fmt.Errorf("malformed reference period %q: bad year", referencePeriod)
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	daysInMonth := end.Day()

	// First Monday on or before the month start.
	monday := start.AddDate(0, 0, -((int(start.Weekday()) + 6) % 7))

	var segments []segment
	for weekStart := monday; !weekStart.After(end); weekStart = weekStart.AddDate(0, 0, 7) {
		weekEnd := weekStart.AddDate(0, 0, 6)
		overlapStart := weekStart
		if overlapStart.Before(start) {
			overlapStart = start
		}
		overlapEnd := weekEnd
		if overlapEnd.After(end) {
			overlapEnd = end
		}
		days := int(overlapEnd.Sub(overlapStart).Hours()/24) + 1
		if days <= 0 {
			continue
		}
		kind := models.SegmentFull
		switch {
		case overlapStart.Equal(weekStart) && days < 7:
			kind = models.SegmentPartialEnd
		case !overlapStart.Equal(weekStart):
			kind = models.SegmentPartialStart
		}
		segments = append(segments, segment{weekStart: weekStart, days: days, kind: kind})
	}
	return segments, daysInMonth, nil
}
