package dynamo

import (
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// FakeClient is an in-memory table for tests. Only the calls used by Sink are implemented.
type FakeClient struct {
	dynamodbiface.DynamoDBAPI

	mu    sync.Mutex
	Items map[string]Item // Keyed by PK + "|" + SK

	BatchCalls int
	PutCalls   int
	// Unprocessed is the number of leading batch calls that report every item unprocessed
	Unprocessed int
	Err         error
}

// NewFakeClient returns an empty fake table
func NewFakeClient() *FakeClient {
	return &FakeClient{Items: make(map[string]Item)}
}

func (f *FakeClient) store(av map[string]*dynamodb.AttributeValue) error {
	var it Item
	if err := dynamodbattribute.UnmarshalMap(av, &it); err != nil {
		return err
	}
	f.Items[it.PK+"|"+it.SK] = it
	return nil
}

// BatchWriteItemWithContext stores every put request
func (f *FakeClient) BatchWriteItemWithContext(_ aws.Context, in *dynamodb.BatchWriteItemInput, _ ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.BatchCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Unprocessed > 0 {
		f.Unprocessed--
		return &dynamodb.BatchWriteItemOutput{UnprocessedItems: in.RequestItems}, nil
	}

	for _, requests := range in.RequestItems {
		for _, req := range requests {
			if err := f.store(req.PutRequest.Item); err != nil {
				return nil, err
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// PutItemWithContext stores a single item
func (f *FakeClient) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.PutCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	return &dynamodb.PutItemOutput{}, f.store(in.Item)
}

// QueryPagesWithContext returns the items of one partition within the SK range as a single page
func (f *FakeClient) QueryPagesWithContext(_ aws.Context, in *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return f.Err
	}

	values := in.ExpressionAttributeValues
	pk := aws.StringValue(values[":pk"].S)
	from := aws.StringValue(values[":from"].S)
	to := aws.StringValue(values[":to"].S)

	var matched []Item
	for _, it := range f.Items {
		if it.PK == pk && it.SK >= from && it.SK <= to {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].SK < matched[j].SK })

	out := &dynamodb.QueryOutput{}
	for _, it := range matched {
		av, err := dynamodbattribute.MarshalMap(it)
		if err != nil {
			return err
		}
		out.Items = append(out.Items, av)
	}
	fn(out, true)
	return nil
}

// Len returns the number of stored items
func (f *FakeClient) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Items)
}
