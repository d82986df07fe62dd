package dynamo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is an in-memory table store that returns one item per page
type fakeAPI struct {
	mu      sync.Mutex
	tables  map[string]map[string]map[string]types.AttributeValue
	created []string
	failAll error
	queries int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func itemKey(item map[string]types.AttributeValue) string {
	k := ""
	for _, name := range []string{attrCommunityID, attrMemberID} {
		if s, ok := item[name].(*types.AttributeValueMemberS); ok {
			k += s.Value + "/"
		}
	}
	return k
}

func (f *fakeAPI) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[name] = t
	}
	return t
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	return &dynamodb.GetItemOutput{Item: f.table(aws.ToString(in.TableName))[itemKey(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.table(aws.ToString(in.TableName))[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	delete(f.table(aws.ToString(in.TableName)), itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

// page returns the item at the offset carried by start plus the next cursor
func (f *fakeAPI) page(items []map[string]types.AttributeValue, start map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	offset := 0
	if n, ok := start["offset"].(*types.AttributeValueMemberN); ok {
		offset, _ = strconv.Atoi(n.Value)
	}
	if offset >= len(items) {
		return nil, nil
	}
	var next map[string]types.AttributeValue
	if offset+1 < len(items) {
		next = map[string]types.AttributeValue{"offset": &types.AttributeValueMemberN{Value: strconv.Itoa(offset + 1)}}
	}
	return items[offset : offset+1], next
}

func (f *fakeAPI) sorted(table string, keep func(map[string]types.AttributeValue) bool) []map[string]types.AttributeValue {
	t := f.table(table)
	keys := make([]string, 0, len(t))
	for k, item := range t {
		if keep(item) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, t[k])
	}
	return out
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.queries++
	want := in.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberS).Value
	items := f.sorted(aws.ToString(in.TableName), func(item map[string]types.AttributeValue) bool {
		s, ok := item[attrCommunityID].(*types.AttributeValueMemberS)
		return ok && s.Value == want
	})
	page, next := f.page(items, in.ExclusiveStartKey)
	return &dynamodb.QueryOutput{Items: page, LastEvaluatedKey: next}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	items := f.sorted(aws.ToString(in.TableName), func(map[string]types.AttributeValue) bool { return true })
	page, next := f.page(items, in.ExclusiveStartKey)
	return &dynamodb.ScanOutput{Items: page, LastEvaluatedKey: next}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.tables[name] = map[string]map[string]types.AttributeValue{}
	f.created = append(f.created, name)
	return &dynamodb.CreateTableOutput{}, nil
}

var errThrottled = errors.New("throttled")
