package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/goliatone/go-fulfillment"
)

// orderItem is the persisted shape of one order's lifecycle state.
// updated_at is epoch seconds like the expiry attributes elsewhere: a
// numeric attribute compares correctly in filter expressions, where
// RFC3339 strings of mixed sub-second precision do not sort by time.
type orderItem struct {
	OrderID   string         `dynamodbav:"order_id"` // PK
	State     string         `dynamodbav:"order_state"`
	Metadata  map[string]any `dynamodbav:"metadata,omitempty"`
	UpdatedAt int64          `dynamodbav:"updated_at"`
}

// OrderStore keeps order state in a single-PK table. It implements
// fulfillment.OrderStore and fulfillment.StuckOrderScanner.
type OrderStore struct {
	client    DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

func NewOrderStore(client DynamoDBAPI, tableName string) *OrderStore {
	return &OrderStore{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// WithClock overrides the timestamp source. Chainable for setup.
func (s *OrderStore) WithClock(c fulfillment.Clock) *OrderStore {
	s.nowFunc = c.Now
	return s
}

func (s *OrderStore) LoadState(ctx context.Context, orderID string) (fulfillment.OrderState, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return "", fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	var item orderItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", fmt.Errorf("unmarshal item: %w", err)
	}
	return fulfillment.NormalizeState(item.State), nil
}

func (s *OrderStore) PersistState(ctx context.Context, orderID string, state fulfillment.OrderState, metadata map[string]any) error {
	item, err := attributevalue.MarshalMap(orderItem{
		OrderID:   orderID,
		State:     string(state),
		Metadata:  metadata,
		UpdatedAt: s.nowFunc().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// StuckOrders scans for orders parked in fulfillment_started since
// before the cutoff. A scan is acceptable here: the reconciliation job
// runs infrequently and the table holds only in-flight orders long-term.
func (s *OrderStore) StuckOrders(ctx context.Context, before time.Time) ([]fulfillment.Order, error) {
	var (
		stuck    []fulfillment.Order
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:        &s.tableName,
			FilterExpression: awsString("order_state = :s AND updated_at < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s":      &types.AttributeValueMemberS{Value: string(fulfillment.StateFulfillmentStarted)},
				":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.Unix(), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for _, raw := range out.Items {
			var item orderItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshal item: %w", err)
			}
			stuck = append(stuck, fulfillment.Order{
				ID:    item.OrderID,
				State: fulfillment.NormalizeState(item.State),
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return stuck, nil
}
