// Package models holds the durable data model of the pacing service: delivery
// requests moving through workflow steps, weekly volume estimates, usage
// counter scopes and the dedup sequence ledger. Composite key derivation lives
// here so every writer produces identical keys for the same logical record.
package models

import (
	"fmt"
	"time"
)

// WorkflowStep is the stage a delivery request sits at. The step is encoded in
// the partition key, so advancing a request means rewriting it under a new key.
type WorkflowStep string

const (
	// StepEvaluateSenderLimit is the pre-evaluation step requests are admitted
	// into and demoted back to for the following week.
	StepEvaluateSenderLimit WorkflowStep = "EVALUATE_SENDER_LIMIT"
	// StepSentToPreparePhase2 marks requests promoted to the prepare phase.
	StepSentToPreparePhase2 WorkflowStep = "SENT_TO_PREPARE_PHASE_2"
)

// TombstonePrefix marks the retained copy of a cancelled request.
const TombstonePrefix = "DELETED~"

// Product types participating in pacing. RS orders by prepare-request date
// regardless of attempt.
const (
	ProductAR  = "AR"
	Product890 = "890"
	ProductRS  = "RS"
)

// DeliveryRequest is the unit of work advanced by the promoter.
type DeliveryRequest struct {
	RequestID          string       `json:"requestId"`
	CreatedAt          string       `json:"createdAt"`
	SenderID           string       `json:"senderPaId"`
	ProductType        string       `json:"productType"`
	Geography          string       `json:"province"`
	PostalCode         string       `json:"cap,omitempty"`
	Attempt            int          `json:"attempt"`
	NotificationSentAt string       `json:"notificationSentAt"`
	PrepareRequestDate string       `json:"prepareRequestDate"`
	Priority           int          `json:"priority,omitempty"`
	IUN                string       `json:"iun,omitempty"`
	Driver             string       `json:"unifiedDeliveryDriver,omitempty"`
	TenderID           string       `json:"tenderId,omitempty"`
	RecipientID        string       `json:"recipientId,omitempty"`
	DeliveryWeek       string       `json:"deliveryWeek"`
	WorkflowStep       WorkflowStep `json:"workflowStep"`
}

// OrderingDate returns the date used for chronological ordering: the prepare
// request date for first attempts and RS products, the notification date
// otherwise.
func (r DeliveryRequest) OrderingDate() string {
	if r.ProductType == ProductRS || r.Attempt == 1 {
		return r.PrepareRequestDate
	}
	return r.NotificationSentAt
}

// PartitionKey encodes delivery week and workflow step.
func (r DeliveryRequest) PartitionKey() string {
	return PartitionFor(r.DeliveryWeek, r.WorkflowStep)
}

// SortKey encodes the ordering contract of the step's partition. The
// pre-evaluation step orders by geography then time; every later step orders
// by priority then time, so a range scan yields priority-then-time order.
func (r DeliveryRequest) SortKey() string {
	if r.WorkflowStep == StepEvaluateSenderLimit {
		return fmt.Sprintf("%s~%s~%s", r.Geography, r.OrderingDate(), r.RequestID)
	}
	return fmt.Sprintf("%d~%s~%s", r.Priority, r.OrderingDate(), r.RequestID)
}

// PartitionFor builds the composite partition key for a week and step.
func PartitionFor(week string, step WorkflowStep) string {
	return fmt.Sprintf("%s~%s", week, step)
}

// WeekSegmentKind classifies how a calendar week overlaps a reference month.
type WeekSegmentKind string

const (
	SegmentFull         WeekSegmentKind = "FULL"
	SegmentPartialStart WeekSegmentKind = "PARTIAL_START"
	SegmentPartialEnd   WeekSegmentKind = "PARTIAL_END"
)

// WeeklyEstimate is one (geography, week segment) share of a monthly declared
// volume. Partial segments at month boundaries accumulate additively into the
// same record across adjacent apportionment runs.
type WeeklyEstimate struct {
	SenderID                string          `json:"senderId"`
	ProductType             string          `json:"productType"`
	Geography               string          `json:"geography"`
	WeekStart               string          `json:"weekStart"`
	WeeklyQuantity          int64           `json:"weeklyQuantity"`
	MonthlyQuantity         float64         `json:"monthlyQuantity"`
	OriginalMonthlyQuantity float64         `json:"originalMonthlyQuantity"`
	SegmentKind             WeekSegmentKind `json:"weekSegmentKind"`
	DaysInSegment           int             `json:"daysInSegment"`
	LastUpdate              string          `json:"lastUpdate,omitempty"`
	FileKey                 string          `json:"fileKey,omitempty"`
}

// PartitionKey groups estimates by sender, product and geography; WeekStart is
// the sort dimension.
func (e WeeklyEstimate) PartitionKey() string {
	return fmt.Sprintf("%s~%s~%s", e.SenderID, e.ProductType, e.Geography)
}

// Partial reports whether the segment is clipped at a month boundary.
func (e WeeklyEstimate) Partial() bool {
	return e.SegmentKind != SegmentFull
}

// GeographyShare is one row of a region's distribution table. A nil percentage
// means the geography takes the full regional volume.
type GeographyShare struct {
	Geography  string   `json:"geography"`
	Percentage *float64 `json:"percentageDistribution,omitempty"`
}

// Share returns the percentage to apply, defaulting to 100.
func (g GeographyShare) Share() float64 {
	if g.Percentage == nil {
		return 100
	}
	return *g.Percentage
}

// SequenceLedgerEntry is the write-once dedup marker for an upstream event.
type SequenceLedgerEntry struct {
	SequenceNumber string `json:"sequenceNumber"`
	Expiry         int64  `json:"expiry"`
}

// DeliveryEvent is one upstream per-request event as carried on the stream.
type DeliveryEvent struct {
	SequenceNumber     string `json:"sequenceNumber"`
	RequestID          string `json:"requestId"`
	ProductType        string `json:"productType"`
	Attempt            int    `json:"attempt"`
	SenderID           string `json:"senderPaId"`
	Geography          string `json:"province"`
	PostalCode         string `json:"cap,omitempty"`
	NotificationSentAt string `json:"notificationSentAt"`
	PrepareRequestDate string `json:"prepareRequestDate"`
	Driver             string `json:"unifiedDeliveryDriver,omitempty"`
	TenderID           string `json:"tenderId,omitempty"`
	IUN                string `json:"iun,omitempty"`
	RecipientID        string `json:"recipientId,omitempty"`
}

// Usage counter sort-key prefixes. Scope keys follow
// "date" or "date~productType~geography" per the reporting contract.
const (
	CounterSumEstimates = "SUM_ESTIMATES"
	CounterAdmitted     = "ADMITTED"
	CounterExecution    = "EXECUTION"
)

// CounterFieldShipments is the attribute counters accumulate into.
const CounterFieldShipments = "numberOfShipments"

const dateLayout = "2006-01-02"

// WeekOf returns the Monday-aligned week identifier containing t.
func WeekOf(t time.Time) string {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return t.AddDate(0, 0, -offset).Format(dateLayout)
}

// NextWeek returns the week identifier seven days after week.
func NextWeek(week string) (string, error) {
	t, err := time.Parse(dateLayout, week)
	if err != nil {
		return "", fmt.Errorf("parse week %q: %w", week, err)
	}
	return t.AddDate(0, 0, 7).Format(dateLayout), nil
}
