package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/goliatone/go-fulfillment/breaker"
)

type breakerItem struct {
	VendorSlug  string    `dynamodbav:"vendor_slug"` // PK
	Mode        string    `dynamodbav:"mode"`
	Failures    int       `dynamodbav:"failures"`
	Successes   int       `dynamodbav:"successes"`
	LastFailure time.Time `dynamodbav:"last_failure,omitempty"`
	ChangedAt   time.Time `dynamodbav:"changed_at"`
}

// BreakerStore implements breaker.Store, making circuit state
// authoritative across process instances. Writes are plain puts: the
// registry's write-through is last-writer-wins, which matches the
// advisory nature of breaker state.
type BreakerStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewBreakerStore(client DynamoDBAPI, tableName string) *BreakerStore {
	return &BreakerStore{client: client, tableName: tableName}
}

func (s *BreakerStore) Load(ctx context.Context, slug string) (*breaker.State, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"vendor_slug": &types.AttributeValueMemberS{Value: slug},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item breakerItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &breaker.State{
		Mode:        breaker.Mode(item.Mode),
		Failures:    item.Failures,
		Successes:   item.Successes,
		LastFailure: item.LastFailure,
		ChangedAt:   item.ChangedAt,
	}, nil
}

func (s *BreakerStore) Save(ctx context.Context, slug string, state breaker.State) error {
	item, err := attributevalue.MarshalMap(breakerItem{
		VendorSlug:  slug,
		Mode:        string(state.Mode),
		Failures:    state.Failures,
		Successes:   state.Successes,
		LastFailure: state.LastFailure,
		ChangedAt:   state.ChangedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}
