package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoDBAPI that understands the expressions
// DynamoDBStore sends. Scan returns pageSize items per call.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	pageSize  int
	scanCalls int
}

var _ DynamoDBAPI = (*fakeDynamo)(nil)

func newFakeDynamo(pageSize int) *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue), pageSize: pageSize}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := attrS(in.Item, "pk")
	if _, exists := f.items[pk]; exists && aws.ToString(in.ConditionExpression) == "attribute_not_exists(pk)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[attrS(in.Key, "pk")]}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[attrS(in.Key, "pk")]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	item[in.ExpressionAttributeNames["#st"]] = in.ExpressionAttributeValues[":st"]
	item["error_message"] = in.ExpressionAttributeValues[":msg"]
	item["updated_at"] = in.ExpressionAttributeValues[":ts"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, attrS(in.Key, "pk"))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++

	pks := make([]string, 0, len(f.items))
	for pk := range f.items {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := attrS(in.ExclusiveStartKey, "pk")
		start = sort.SearchStrings(pks, last) + 1
	}
	end := start + f.pageSize
	if end > len(pks) {
		end = len(pks)
	}

	out := &dynamodb.ScanOutput{}
	for _, pk := range pks[start:end] {
		if f.matches(f.items[pk], in) {
			out.Items = append(out.Items, f.items[pk])
		}
	}
	if end < len(pks) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pks[end-1]},
			"sk": &types.AttributeValueMemberS{Value: skMetadata()},
		}
	}
	return out, nil
}

// matches applies the equality conditions DynamoDBStore adds to a scan.
func (f *fakeDynamo) matches(item map[string]types.AttributeValue, in *dynamodb.ScanInput) bool {
	conds := map[string]string{
		":pid": "provider_id",
		":bkt": in.ExpressionAttributeNames["#bkt"],
		":st":  in.ExpressionAttributeNames["#st"],
	}
	for placeholder, attr := range conds {
		v, ok := in.ExpressionAttributeValues[placeholder].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		if attrS(item, attr) != v.Value {
			return false
		}
	}
	return true
}

func TestDynamoDBScanPagination(t *testing.T) {
	fake := newFakeDynamo(1)
	s := NewDynamoDBStoreWithClient(fake, "history")
	seed(t, s)

	recs, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("got %d records, want 3", len(recs))
	}
	if fake.scanCalls != 3 {
		t.Errorf("scan calls = %d, want 3", fake.scanCalls)
	}
}

func TestDynamoDBDuplicateCreate(t *testing.T) {
	s := NewDynamoDBStoreWithClient(newFakeDynamo(10), "history")
	rec, err := s.Create(context.Background(), Record{ID: "fixed", Key: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(context.Background(), rec); err == nil {
		t.Error("expected an error for a duplicate id")
	}
}

type failingDynamo struct {
	*fakeDynamo
}

func (f *failingDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return nil, errors.New("ProvisionedThroughputExceededException")
}

func TestDynamoDBScanError(t *testing.T) {
	s := NewDynamoDBStoreWithClient(&failingDynamo{newFakeDynamo(1)}, "history")
	if _, err := s.List(context.Background(), Filter{}); err == nil {
		t.Error("expected scan error to propagate")
	}
}
