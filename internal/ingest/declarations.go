package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/segmentio/kafka-go"

	"github.com/postalgrid/delayer/internal/apportion"
	"github.com/postalgrid/delayer/internal/notify"
	"github.com/postalgrid/delayer/internal/store"
)

// DeclarationNotice announces that a sender's monthly declaration file landed
// in object storage.
type DeclarationNotice struct {
	SenderID string `json:"senderId"`
	FileKey  string `json:"fileKey"`
}

// Downloader fetches a declaration document from object storage.
type Downloader interface {
	Download(ctx context.Context, fileKey string) ([]byte, error)
}

// S3Downloader reads declaration files with the SDK transfer manager.
type S3Downloader struct {
	bucket     string
	downloader *manager.Downloader
}

func NewS3Downloader(client *s3.Client, bucket string) (*S3Downloader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("declaration bucket required")
	}
	return &S3Downloader{bucket: bucket, downloader: manager.NewDownloader(client)}, nil
}

func (d *S3Downloader) Download(ctx context.Context, fileKey string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := d.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(fileKey),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileKey, err)
	}
	return buf.Bytes(), nil
}

// DeclarationConsumer turns declaration notices into apportionment runs. A
// file already reflected in stored estimates is skipped, so replayed notices
// are harmless.
type DeclarationConsumer struct {
	reader     *kafka.Reader
	downloader Downloader
	estimates  store.EstimateStore
	apportion  *apportion.Service
	publisher  notify.Publisher
}

func NewDeclarationConsumer(cfg ReaderConfig, dl Downloader, est store.EstimateStore, ap *apportion.Service, pub notify.Publisher) (*DeclarationConsumer, error) {
	reader, err := newReader(cfg)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &DeclarationConsumer{
		reader:     reader,
		downloader: dl,
		estimates:  est,
		apportion:  ap,
		publisher:  pub,
	}, nil
}

func (c *DeclarationConsumer) Run(ctx context.Context) error {
	log.Printf("[ingest.declarations] starting")
	defer log.Printf("[ingest.declarations] stopped")
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			log.Printf("[ingest.declarations] message at %s/%d/%d: %v, leaving offset uncommitted",
				msg.Topic, msg.Partition, msg.Offset, err)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("[ingest.declarations] commit offsets: %v", err)
		}
	}
}

func (c *DeclarationConsumer) handle(ctx context.Context, msg kafka.Message) error {
	body, err := decodePayload(msg.Value)
	if err != nil {
		log.Printf("[ingest.declarations] dropping malformed notice: %v", err)
		return nil
	}
	var notice DeclarationNotice
	if err := json.Unmarshal(body, &notice); err != nil || notice.FileKey == "" {
		log.Printf("[ingest.declarations] dropping notice without fileKey")
		return nil
	}

	ingested, err := c.estimates.HasDeclaration(ctx, notice.FileKey)
	if err != nil {
		return fmt.Errorf("declaration dedup check: %w", err)
	}
	if ingested {
		log.Printf("[ingest.declarations] file %s already apportioned, skipping", notice.FileKey)
		return nil
	}

	raw, err := c.downloader.Download(ctx, notice.FileKey)
	if err != nil {
		return err
	}
	var decl apportion.Declaration
	if err := json.Unmarshal(raw, &decl); err != nil {
		log.Printf("[ingest.declarations] dropping unparseable declaration %s: %v", notice.FileKey, err)
		return nil
	}
	if decl.SenderID == "" {
		decl.SenderID = notice.SenderID
	}

	estimates, err := c.apportion.Run(ctx, decl, notice.FileKey)
	if err != nil {
		return fmt.Errorf("apportion %s: %w", notice.FileKey, err)
	}
	if err := c.publisher.Publish(ctx, notify.Event{
		Kind:     notify.KindApportionmentDone,
		SenderID: decl.SenderID,
		Records:  len(estimates),
	}); err != nil {
		// Completion events are best-effort; the estimates are already durable.
		log.Printf("[ingest.declarations] publish completion for %s: %v", notice.FileKey, err)
	}
	return nil
}
