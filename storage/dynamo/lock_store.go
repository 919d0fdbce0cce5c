package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/goliatone/go-fulfillment/joblock"
)

type lockItem struct {
	JobName    string    `dynamodbav:"job_name"` // PK
	HolderID   string    `dynamodbav:"holder_id"`
	Status     string    `dynamodbav:"lock_status"`
	AcquiredAt time.Time `dynamodbav:"acquired_at"`
	ExpiresAt  int64     `dynamodbav:"expires_at"` // epoch seconds, compared in conditions
}

// LockStore implements joblock.Store and joblock.ConditionalStore.
// DynamoDB supports a true conditional put, so the manager's
// read-then-write race window disappears on this backend.
type LockStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewLockStore(client DynamoDBAPI, tableName string) *LockStore {
	return &LockStore{client: client, tableName: tableName}
}

func (s *LockStore) Get(ctx context.Context, jobName string) (*joblock.Lease, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"job_name": &types.AttributeValueMemberS{Value: jobName},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item lockItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return fromLockItem(item), nil
}

func (s *LockStore) Put(ctx context.Context, lease *joblock.Lease) error {
	item, err := attributevalue.MarshalMap(toLockItem(lease))
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// PutIfAbsent writes the lease only when no live lease exists: absent
// record, expired record, or one marked non-active.
func (s *LockStore) PutIfAbsent(ctx context.Context, lease *joblock.Lease, now time.Time) (bool, error) {
	item, err := attributevalue.MarshalMap(toLockItem(lease))
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(job_name) OR expires_at < :now OR lock_status <> :active"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":active": &types.AttributeValueMemberS{Value: string(joblock.StatusActive)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

func toLockItem(lease *joblock.Lease) lockItem {
	return lockItem{
		JobName:    lease.JobName,
		HolderID:   lease.HolderID,
		Status:     string(lease.Status),
		AcquiredAt: lease.AcquiredAt,
		ExpiresAt:  lease.ExpiresAt.Unix(),
	}
}

func fromLockItem(item lockItem) *joblock.Lease {
	return &joblock.Lease{
		JobName:    item.JobName,
		HolderID:   item.HolderID,
		Status:     joblock.LeaseStatus(item.Status),
		AcquiredAt: item.AcquiredAt,
		ExpiresAt:  time.Unix(item.ExpiresAt, 0).UTC(),
	}
}
