package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bucketdesk/bucketdesk/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

// DynamoDBStore implements Store on a single DynamoDB table keyed by
// pk/sk string attributes. Records live at pk "HISTORY#<id>", sk "#METADATA".
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

var _ Store = (*DynamoDBStore)(nil)

// NewDynamoDBStore creates a store from configuration using the default AWS
// credential chain.
func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient creates a store around a pre-configured client.
// This is useful for testing with mock clients.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func pkHistory(id string) string {
	return "HISTORY#" + id
}

func skMetadata() string {
	return "#METADATA"
}

func (s *DynamoDBStore) itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkHistory(id)},
		"sk": &types.AttributeValueMemberS{Value: skMetadata()},
	}
}

func (s *DynamoDBStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := validate(rec); err != nil {
		return Record{}, err
	}
	prepare(&rec)

	item := s.itemKey(rec.ID)
	item["id"] = &types.AttributeValueMemberS{Value: rec.ID}
	item["provider_id"] = &types.AttributeValueMemberS{Value: rec.ProviderID}
	item["bucket"] = &types.AttributeValueMemberS{Value: rec.Bucket}
	item["key"] = &types.AttributeValueMemberS{Value: rec.Key}
	item["name"] = &types.AttributeValueMemberS{Value: rec.Name}
	item["type"] = &types.AttributeValueMemberS{Value: rec.Type}
	item["size"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Size, 10)}
	item["mime_type"] = &types.AttributeValueMemberS{Value: rec.MimeType}
	item["status"] = &types.AttributeValueMemberS{Value: string(rec.Status)}
	item["error_message"] = &types.AttributeValueMemberS{Value: rec.ErrorMessage}
	item["created_at"] = &types.AttributeValueMemberS{Value: rec.CreatedAt.Format(timeFormat)}
	item["updated_at"] = &types.AttributeValueMemberS{Value: rec.UpdatedAt.Format(timeFormat)}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Record{}, fmt.Errorf("history record already exists: %s", rec.ID)
		}
		return Record{}, fmt.Errorf("putting history record: %w", err)
	}
	return rec, nil
}

func (s *DynamoDBStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.itemKey(id),
		UpdateExpression:    aws.String("SET #st = :st, error_message = :msg, updated_at = :ts"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":  &types.AttributeValueMemberS{Value: string(status)},
			":msg": &types.AttributeValueMemberS{Value: errMsg},
			":ts":  &types.AttributeValueMemberS{Value: nowUTC().Format(timeFormat)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return notFound("history.update", id)
		}
		return fmt.Errorf("updating history record: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, id string) (Record, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(id),
	})
	if err != nil {
		return Record{}, fmt.Errorf("getting history record: %w", err)
	}
	if resp.Item == nil {
		return Record{}, notFound("history.get", id)
	}
	return itemToRecord(resp.Item), nil
}

// List scans the table. Filtering on provider and bucket happens server side;
// ordering and the limit are applied after the scan completes.
func (s *DynamoDBStore) List(ctx context.Context, f Filter) ([]Record, error) {
	filter := "begins_with(pk, :prefix) AND sk = :meta"
	values := map[string]types.AttributeValue{
		":prefix": &types.AttributeValueMemberS{Value: "HISTORY#"},
		":meta":   &types.AttributeValueMemberS{Value: skMetadata()},
	}
	names := map[string]string{}
	if f.ProviderID != "" {
		filter += " AND provider_id = :pid"
		values[":pid"] = &types.AttributeValueMemberS{Value: f.ProviderID}
	}
	if f.Bucket != "" {
		filter += " AND #bkt = :bkt"
		values[":bkt"] = &types.AttributeValueMemberS{Value: f.Bucket}
		names["#bkt"] = "bucket"
	}
	if f.Status != "" {
		filter += " AND #st = :st"
		values[":st"] = &types.AttributeValueMemberS{Value: string(f.Status)}
		names["#st"] = "status"
	}

	var out []Record
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
		}
		if len(names) > 0 {
			input.ExpressionAttributeNames = names
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		for _, item := range resp.Items {
			out = append(out, itemToRecord(item))
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	sortNewest(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(id),
	})
	if err != nil {
		return fmt.Errorf("deleting history record: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func itemToRecord(item map[string]types.AttributeValue) Record {
	rec := Record{
		ID:           getS(item, "id"),
		ProviderID:   getS(item, "provider_id"),
		Bucket:       getS(item, "bucket"),
		Key:          getS(item, "key"),
		Name:         getS(item, "name"),
		Type:         getS(item, "type"),
		MimeType:     getS(item, "mime_type"),
		Status:       Status(getS(item, "status")),
		ErrorMessage: getS(item, "error_message"),
	}
	if n, ok := item["size"].(*types.AttributeValueMemberN); ok {
		rec.Size, _ = strconv.ParseInt(n.Value, 10, 64)
	}
	rec.CreatedAt, _ = time.Parse(timeFormat, getS(item, "created_at"))
	rec.UpdatedAt, _ = time.Parse(timeFormat, getS(item, "updated_at"))
	return rec
}

func getS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
