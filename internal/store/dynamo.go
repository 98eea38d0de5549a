package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/postalgrid/delayer/internal/models"
)

const (
	maxBatchWriteSize = 25
	maxBatchGetSize   = 100

	requestIDIndex = "requestId-createdAt-index"
	fileKeyIndex   = "fileKey-index"
)

// Tables names the DynamoDB tables the service uses.
type Tables struct {
	Requests  string
	Estimates string
	Geography string
	Counters  string
	Sequences string
}

// DynamoStore implements Store on DynamoDB.
type DynamoStore struct {
	client      *dynamodb.Client
	tables      Tables
	maxAttempts int
}

func NewDynamoStore(client *dynamodb.Client, tables Tables) *DynamoStore {
	return &DynamoStore{client: client, tables: tables, maxAttempts: defaultMaxBatchAttempts}
}

func jsonTag(o *attributevalue.EncoderOptions) { o.TagKey = "json" }

func jsonTagDec(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

type requestItem struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
	models.DeliveryRequest
}

func newRequestItem(r models.DeliveryRequest) requestItem {
	return requestItem{PK: r.PartitionKey(), SK: r.SortKey(), DeliveryRequest: r}
}

type estimateItem struct {
	PK string `json:"pk"`
	models.WeeklyEstimate
}

func encodeLastKey(lek map[string]types.AttributeValue) (string, error) {
	if len(lek) == 0 {
		return "", nil
	}
	var plain map[string]string
	if err := attributevalue.UnmarshalMap(lek, &plain); err != nil {
		return "", fmt.Errorf("decode last evaluated key: %w", err)
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeLastKey(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var plain map[string]string
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return attributevalue.MarshalMap(plain)
}

func (d *DynamoStore) QueryStep(ctx context.Context, week string, step models.WorkflowStep, q Query) (Page, error) {
	return d.QueryPartition(ctx, models.PartitionFor(week, step), q)
}

func (d *DynamoStore) QueryPartition(ctx context.Context, partition string, q Query) (Page, error) {
	startKey, err := decodeLastKey(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.tables.Requests),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partition},
		},
		ExclusiveStartKey: startKey,
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(int32(q.Limit))
	}
	out, err := d.client.Query(ctx, in)
	if err != nil {
		return Page{}, fmt.Errorf("query partition %s: %w", partition, err)
	}
	var items []requestItem
	if err := attributevalue.UnmarshalListOfMapsWithOptions(out.Items, &items, jsonTagDec); err != nil {
		return Page{}, fmt.Errorf("unmarshal partition %s: %w", partition, err)
	}
	page := Page{}
	for _, it := range items {
		page.Items = append(page.Items, it.DeliveryRequest)
	}
	page.Cursor, err = encodeLastKey(out.LastEvaluatedKey)
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// batchWrite issues a chunked BatchWriteItem and retries unprocessed items
// with exponential backoff and jitter. Items still unprocessed after the
// bounded attempts are returned.
func (d *DynamoStore) batchWrite(ctx context.Context, table string, reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	var leftover []types.WriteRequest
	for start := 0; start < len(reqs); start += maxBatchWriteSize {
		end := start + maxBatchWriteSize
		if end > len(reqs) {
			end = len(reqs)
		}
		pending := reqs[start:end]
		for attempt := 0; ; attempt++ {
			out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{table: pending},
			})
			if err != nil {
				return nil, fmt.Errorf("batch write %s: %w", table, err)
			}
			pending = out.UnprocessedItems[table]
			if len(pending) == 0 {
				break
			}
			if attempt+1 >= d.maxAttempts {
				log.Printf("[store] batch write %s: %d unprocessed after %d attempts", table, len(pending), d.maxAttempts)
				leftover = append(leftover, pending...)
				break
			}
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return leftover, nil
}

func (d *DynamoStore) BatchPutRequests(ctx context.Context, items []models.DeliveryRequest) ([]models.DeliveryRequest, error) {
	reqs := make([]types.WriteRequest, 0, len(items))
	for _, it := range items {
		av, err := attributevalue.MarshalMapWithOptions(newRequestItem(it), jsonTag)
		if err != nil {
			return nil, fmt.Errorf("marshal request %s: %w", it.RequestID, err)
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}
	leftover, err := d.batchWrite(ctx, d.tables.Requests, reqs)
	if err != nil {
		return nil, err
	}
	var failed []models.DeliveryRequest
	for _, wr := range leftover {
		if wr.PutRequest == nil {
			continue
		}
		var it requestItem
		if err := attributevalue.UnmarshalMapWithOptions(wr.PutRequest.Item, &it, jsonTagDec); err != nil {
			return nil, fmt.Errorf("unmarshal unprocessed item: %w", err)
		}
		failed = append(failed, it.DeliveryRequest)
	}
	return failed, nil
}

func (d *DynamoStore) BatchDeleteRequests(ctx context.Context, items []models.DeliveryRequest) error {
	reqs := make([]types.WriteRequest, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: it.PartitionKey()},
				"sk": &types.AttributeValueMemberS{Value: it.SortKey()},
			},
		}})
	}
	leftover, err := d.batchWrite(ctx, d.tables.Requests, reqs)
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		return fmt.Errorf("batch delete: %d items unprocessed after retries", len(leftover))
	}
	return nil
}

// AdvanceRequests writes the rewritten copies first, then removes the source
// rows. A crash between the two phases leaves a duplicate under the new step
// rather than a lost request; re-running the transition converges.
func (d *DynamoStore) AdvanceRequests(ctx context.Context, from, to []models.DeliveryRequest) error {
	if len(from) != len(to) {
		return fmt.Errorf("advance: %d source items for %d rewrites", len(from), len(to))
	}
	failed, err := d.BatchPutRequests(ctx, to)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("advance: %d items unprocessed after retries", len(failed))
	}
	return d.BatchDeleteRequests(ctx, from)
}

func (d *DynamoStore) LatestByRequestID(ctx context.Context, requestID string) (models.DeliveryRequest, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tables.Requests),
		IndexName:              aws.String(requestIDIndex),
		KeyConditionExpression: aws.String("requestId = :rid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rid": &types.AttributeValueMemberS{Value: requestID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return models.DeliveryRequest{}, fmt.Errorf("query request %s: %w", requestID, err)
	}
	if len(out.Items) == 0 {
		return models.DeliveryRequest{}, ErrNotFound
	}
	var it requestItem
	if err := attributevalue.UnmarshalMapWithOptions(out.Items[0], &it, jsonTagDec); err != nil {
		return models.DeliveryRequest{}, fmt.Errorf("unmarshal request %s: %w", requestID, err)
	}
	return it.DeliveryRequest, nil
}

func (d *DynamoStore) DeleteAndTombstone(ctx context.Context, req models.DeliveryRequest) error {
	item := newRequestItem(req)
	tomb, err := attributevalue.MarshalMapWithOptions(item, jsonTag)
	if err != nil {
		return fmt.Errorf("marshal tombstone %s: %w", req.RequestID, err)
	}
	tomb["pk"] = &types.AttributeValueMemberS{Value: models.TombstonePrefix + item.PK}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName: aws.String(d.tables.Requests),
					Key: map[string]types.AttributeValue{
						"pk": &types.AttributeValueMemberS{Value: item.PK},
						"sk": &types.AttributeValueMemberS{Value: item.SK},
					},
					ConditionExpression: aws.String("attribute_exists(pk)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(d.tables.Requests),
					Item:      tomb,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("tombstone transaction %s: %w", req.RequestID, err)
	}
	return nil
}

func (d *DynamoStore) Distribution(ctx context.Context, region string) ([]models.GeographyShare, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tables.Geography),
		KeyConditionExpression: aws.String("#r = :r"),
		ExpressionAttributeNames: map[string]string{
			"#r": "region",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberS{Value: region},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query distribution %s: %w", region, err)
	}
	var shares []models.GeographyShare
	if err := attributevalue.UnmarshalListOfMapsWithOptions(out.Items, &shares, jsonTagDec); err != nil {
		return nil, fmt.Errorf("unmarshal distribution %s: %w", region, err)
	}
	return shares, nil
}

func (d *DynamoStore) PutEstimates(ctx context.Context, estimates []models.WeeklyEstimate) error {
	reqs := make([]types.WriteRequest, 0, len(estimates))
	for _, e := range estimates {
		av, err := attributevalue.MarshalMapWithOptions(estimateItem{PK: e.PartitionKey(), WeeklyEstimate: e}, jsonTag)
		if err != nil {
			return fmt.Errorf("marshal estimate: %w", err)
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}
	leftover, err := d.batchWrite(ctx, d.tables.Estimates, reqs)
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		return fmt.Errorf("put estimates: %d items unprocessed after retries", len(leftover))
	}
	return nil
}

func (d *DynamoStore) AddEstimate(ctx context.Context, e models.WeeklyEstimate) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.Estimates),
		Key: map[string]types.AttributeValue{
			"pk":        &types.AttributeValueMemberS{Value: e.PartitionKey()},
			"weekStart": &types.AttributeValueMemberS{Value: e.WeekStart},
		},
		UpdateExpression: aws.String(
			"ADD weeklyQuantity :inc " +
				"SET senderId = if_not_exists(senderId, :sender), " +
				"productType = if_not_exists(productType, :product), " +
				"geography = if_not_exists(geography, :geo), " +
				"daysInSegment = if_not_exists(daysInSegment, :days), " +
				"weekSegmentKind = if_not_exists(weekSegmentKind, :kind), " +
				"fileKey = if_not_exists(fileKey, :fileKey)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc":     &types.AttributeValueMemberN{Value: strconv.FormatInt(e.WeeklyQuantity, 10)},
			":sender":  &types.AttributeValueMemberS{Value: e.SenderID},
			":product": &types.AttributeValueMemberS{Value: e.ProductType},
			":geo":     &types.AttributeValueMemberS{Value: e.Geography},
			":days":    &types.AttributeValueMemberN{Value: strconv.Itoa(e.DaysInSegment)},
			":kind":    &types.AttributeValueMemberS{Value: string(e.SegmentKind)},
			":fileKey": &types.AttributeValueMemberS{Value: e.FileKey},
		},
	})
	if err != nil {
		return fmt.Errorf("add estimate %s/%s: %w", e.PartitionKey(), e.WeekStart, err)
	}
	return nil
}

func (d *DynamoStore) HasDeclaration(ctx context.Context, fileKey string) (bool, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tables.Estimates),
		IndexName:              aws.String(fileKeyIndex),
		KeyConditionExpression: aws.String("fileKey = :fk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fk": &types.AttributeValueMemberS{Value: fileKey},
		},
		Select: types.SelectCount,
		Limit:  aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("query declaration %s: %w", fileKey, err)
	}
	return out.Count > 0, nil
}

func (d *DynamoStore) AddToCounter(ctx context.Context, scope, sortKey, field string, delta int64) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tables.Counters),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: scope},
			"sk": &types.AttributeValueMemberS{Value: sortKey},
		},
		UpdateExpression: aws.String("ADD #f :inc"),
		ExpressionAttributeNames: map[string]string{
			"#f": field,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("increment counter %s/%s: %w", scope, sortKey, err)
	}
	return nil
}

func (d *DynamoStore) QueryCounters(ctx context.Context, scope string) ([]CounterRow, error) {
	var rows []CounterRow
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tables.Counters),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: scope},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query counters %s: %w", scope, err)
		}
		for _, item := range out.Items {
			row := CounterRow{Scope: scope, Values: map[string]int64{}}
			for name, av := range item {
				switch v := av.(type) {
				case *types.AttributeValueMemberS:
					if name == "sk" {
						row.Sort = v.Value
					}
				case *types.AttributeValueMemberN:
					n, err := strconv.ParseInt(v.Value, 10, 64)
					if err == nil {
						row.Values[name] = n
					}
				}
			}
			rows = append(rows, row)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (d *DynamoStore) SeenSequences(ctx context.Context, seqs []string) (map[string]bool, error) {
	seen := map[string]bool{}
	for start := 0; start < len(seqs); start += maxBatchGetSize {
		end := start + maxBatchGetSize
		if end > len(seqs) {
			end = len(seqs)
		}
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, s := range seqs[start:end] {
			keys = append(keys, map[string]types.AttributeValue{
				"sequenceNumber": &types.AttributeValueMemberS{Value: s},
			})
		}
		out, err := d.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				d.tables.Sequences: {Keys: keys},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("batch get sequences: %w", err)
		}
		for _, item := range out.Responses[d.tables.Sequences] {
			if s, ok := item["sequenceNumber"].(*types.AttributeValueMemberS); ok {
				seen[s.Value] = true
			}
		}
	}
	return seen, nil
}

func (d *DynamoStore) RecordSequences(ctx context.Context, entries []models.SequenceLedgerEntry) error {
	reqs := make([]types.WriteRequest, 0, len(entries))
	for _, e := range entries {
		av, err := attributevalue.MarshalMapWithOptions(e, jsonTag)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
	}
	leftover, err := d.batchWrite(ctx, d.tables.Sequences, reqs)
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		return fmt.Errorf("record sequences: %d entries unprocessed after retries", len(leftover))
	}
	return nil
}

func (d *DynamoStore) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tables.Requests),
	})
	return err
}
