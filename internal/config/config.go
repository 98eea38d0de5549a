package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// DynamoDB table names.
	RequestsTable  string
	EstimatesTable string
	GeographyTable string
	CountersTable  string
	SequencesTable string

	// Promoter pagination.
	QueryLimit    int
	SafetyCeiling int

	// Apportionment.
	AllowedProducts []string

	// Dedup ledger retention.
	LedgerTTL time.Duration

	// Kafka.
	Brokers            []string
	EventsTopic        string
	CancellationsTopic string
	DeclarationsTopic  string
	CompletionTopic    string
	ConsumerGroup      string
	EventBatchSize     int

	// Object storage.
	DeclarationBucket string

	// Parameter store names.
	PriorityTableParam string
	TenderIDParam      string
	DriverMapParam     string

	// Timeline service.
	TimelineBaseURL string

	// Reporting database (optional).
	ReportingDSN string

	// Admin API auth.
	AuthSecret string
	AuthScope  string
}

const (
	defaultAddr          = ":8074"
	defaultQueryLimit    = 1000
	defaultSafetyCeiling = 10000
	defaultBatchSize     = 25
	defaultLedgerTTLDays = 14
	defaultConsumerGroup = "delayer"
	defaultAuthScope     = "pacing:admin"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:               getEnv("DELAYER_ADDR", defaultAddr),
		RequestsTable:      os.Getenv("DELAYER_REQUESTS_TABLE"),
		EstimatesTable:     os.Getenv("DELAYER_ESTIMATES_TABLE"),
		GeographyTable:     os.Getenv("DELAYER_GEOGRAPHY_TABLE"),
		CountersTable:      os.Getenv("DELAYER_COUNTERS_TABLE"),
		SequencesTable:     os.Getenv("DELAYER_SEQUENCES_TABLE"),
		QueryLimit:         getInt("DELAYER_QUERY_LIMIT", defaultQueryLimit),
		SafetyCeiling:      getInt("DELAYER_SAFETY_CEILING", defaultSafetyCeiling),
		AllowedProducts:    getList("DELAYER_ALLOWED_PRODUCTS", []string{"AR", "890"}),
		LedgerTTL:          time.Duration(getInt("DELAYER_LEDGER_TTL_DAYS", defaultLedgerTTLDays)) * 24 * time.Hour,
		Brokers:            getList("DELAYER_KAFKA_BROKERS", nil),
		EventsTopic:        os.Getenv("DELAYER_EVENTS_TOPIC"),
		CancellationsTopic: os.Getenv("DELAYER_CANCELLATIONS_TOPIC"),
		DeclarationsTopic:  os.Getenv("DELAYER_DECLARATIONS_TOPIC"),
		CompletionTopic:    os.Getenv("DELAYER_COMPLETION_TOPIC"),
		ConsumerGroup:      getEnv("DELAYER_CONSUMER_GROUP", defaultConsumerGroup),
		EventBatchSize:     getInt("DELAYER_EVENT_BATCH_SIZE", defaultBatchSize),
		DeclarationBucket:  os.Getenv("DELAYER_DECLARATION_BUCKET"),
		PriorityTableParam: os.Getenv("DELAYER_PRIORITY_TABLE_PARAM"),
		TenderIDParam:      os.Getenv("DELAYER_TENDER_ID_PARAM"),
		DriverMapParam:     os.Getenv("DELAYER_DRIVER_MAP_PARAM"),
		TimelineBaseURL:    os.Getenv("DELAYER_TIMELINE_BASE_URL"),
		ReportingDSN:       firstNonEmpty(os.Getenv("DELAYER_REPORTING_DSN"), os.Getenv("DATABASE_URL")),
		AuthSecret:         os.Getenv("DELAYER_AUTH_SECRET"),
		AuthScope:          getEnv("DELAYER_AUTH_SCOPE", defaultAuthScope),
	}
	if cfg.RequestsTable == "" || cfg.EstimatesTable == "" || cfg.CountersTable == "" {
		return Config{}, fmt.Errorf("DELAYER_REQUESTS_TABLE, DELAYER_ESTIMATES_TABLE and DELAYER_COUNTERS_TABLE required")
	}
	if cfg.PriorityTableParam == "" {
		return Config{}, fmt.Errorf("DELAYER_PRIORITY_TABLE_PARAM required")
	}
	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("DELAYER_AUTH_SECRET required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
