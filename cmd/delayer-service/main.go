package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/postalgrid/delayer/internal/apportion"
	"github.com/postalgrid/delayer/internal/auth"
	"github.com/postalgrid/delayer/internal/cancel"
	"github.com/postalgrid/delayer/internal/config"
	"github.com/postalgrid/delayer/internal/dedup"
	"github.com/postalgrid/delayer/internal/export"
	"github.com/postalgrid/delayer/internal/httpserver"
	"github.com/postalgrid/delayer/internal/ingest"
	"github.com/postalgrid/delayer/internal/notify"
	"github.com/postalgrid/delayer/internal/params"
	"github.com/postalgrid/delayer/internal/promoter"
	"github.com/postalgrid/delayer/internal/store"
	"github.com/postalgrid/delayer/internal/timeline"
)

func main() {
	runConsumers := flag.Bool("run-consumers", true, "start the kafka consumers")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	st := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), store.Tables{
		Requests:  cfg.RequestsTable,
		Estimates: cfg.EstimatesTable,
		Geography: cfg.GeographyTable,
		Counters:  cfg.CountersTable,
		Sequences: cfg.SequencesTable,
	})

	provider := params.NewProvider(ssm.NewFromConfig(awsCfg), params.Names{
		PriorityTable: cfg.PriorityTableParam,
		TenderID:      cfg.TenderIDParam,
		DriverMap:     cfg.DriverMapParam,
	})
	priorities, err := provider.PriorityTable(ctx)
	if err != nil {
		log.Fatalf("load priority table: %v", err)
	}

	verifier, err := auth.NewVerifier([]byte(cfg.AuthSecret), cfg.AuthScope)
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if len(cfg.Brokers) > 0 && cfg.CompletionTopic != "" {
		publisher, err = notify.NewKafkaPublisher(notify.KafkaPublisherConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.CompletionTopic,
		})
		if err != nil {
			log.Fatalf("completion publisher init: %v", err)
		}
	}
	defer publisher.Close()

	promoterSvc := promoter.New(st, priorities, promoter.Options{
		QueryLimit:    cfg.QueryLimit,
		SafetyCeiling: cfg.SafetyCeiling,
	})
	apportionSvc := apportion.New(st, cfg.AllowedProducts)
	guard := dedup.New(st, cfg.LedgerTTL)

	var compensator *cancel.Compensator
	if cfg.TimelineBaseURL != "" {
		tl, err := timeline.NewHTTPClient(timeline.HTTPClientConfig{
			BaseURL: cfg.TimelineBaseURL,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("timeline client init: %v", err)
		}
		compensator = cancel.New(st, tl)
	}

	var exporter *export.Exporter
	if cfg.ReportingDSN != "" {
		db, err := export.Open(cfg.ReportingDSN)
		if err != nil {
			log.Fatalf("reporting db open: %v", err)
		}
		defer db.Close()
		exporter = export.New(db, st)
	}

	if *runConsumers && len(cfg.Brokers) > 0 {
		startConsumers(ctx, cfg, awsCfg, guard, apportionSvc, compensator, st, publisher)
	}

	server := httpserver.New(httpserver.Config{
		Store:       st,
		Promoter:    promoterSvc,
		Apportion:   apportionSvc,
		Compensator: compensator,
		Exporter:    exporter,
		Verifier:    verifier,
		Publisher:   publisher,
	})
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("delayer service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancelRoot, httpServer)
}

func startConsumers(ctx context.Context, cfg config.Config, awsCfg aws.Config, guard *dedup.Guard, apportionSvc *apportion.Service, compensator *cancel.Compensator, st store.Store, publisher notify.Publisher) {
	if cfg.EventsTopic != "" {
		consumer, err := ingest.NewEventConsumer(ingest.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.EventsTopic,
			GroupID: cfg.ConsumerGroup,
		}, guard, cfg.EventBatchSize)
		if err != nil {
			log.Fatalf("event consumer init: %v", err)
		}
		go runConsumer(ctx, "events", consumer.Run)
	}

	if cfg.CancellationsTopic != "" && compensator != nil {
		consumer, err := ingest.NewCancellationConsumer(ingest.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.CancellationsTopic,
			GroupID: cfg.ConsumerGroup,
		}, compensator)
		if err != nil {
			log.Fatalf("cancellation consumer init: %v", err)
		}
		go runConsumer(ctx, "cancellations", consumer.Run)
	}

	if cfg.DeclarationsTopic != "" && cfg.DeclarationBucket != "" {
		downloader, err := ingest.NewS3Downloader(s3.NewFromConfig(awsCfg), cfg.DeclarationBucket)
		if err != nil {
			log.Fatalf("declaration downloader init: %v", err)
		}
		consumer, err := ingest.NewDeclarationConsumer(ingest.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.DeclarationsTopic,
			GroupID: cfg.ConsumerGroup,
		}, downloader, st, apportionSvc, publisher)
		if err != nil {
			log.Fatalf("declaration consumer init: %v", err)
		}
		go runConsumer(ctx, "declarations", consumer.Run)
	}
}

func runConsumer(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[%s] consumer stopped: %v", name, err)
	}
}

func waitForShutdown(cancelRoot context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelRoot()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
