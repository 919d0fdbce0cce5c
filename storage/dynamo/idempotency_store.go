package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/goliatone/go-fulfillment/idempotency"
)

// idemItem is the persisted shape of one idempotency record. The table
// key is a composite of source and caller key so the same external id
// from two ingestion paths never collides.
type idemItem struct {
	RecordID      string    `dynamodbav:"record_id"` // PK: source + "::" + key
	Key           string    `dynamodbav:"record_key"`
	Source        string    `dynamodbav:"source"`
	Status        string    `dynamodbav:"record_status"`
	Response      []byte    `dynamodbav:"response_body,omitempty"` // small responses only
	Note          string    `dynamodbav:"note,omitempty"`
	CorrelationID string    `dynamodbav:"correlation_id,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
	ExpiresAt     int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

func idemRecordID(key, source string) string { return source + "::" + key }

// IdempotencyStore implements idempotency.Store on DynamoDB. Creation
// uses a conditional put so two racing callers resolve atomically
// server-side.
type IdempotencyStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewIdempotencyStore(client DynamoDBAPI, tableName string) *IdempotencyStore {
	return &IdempotencyStore{client: client, tableName: tableName}
}

func (s *IdempotencyStore) Create(ctx context.Context, rec *idempotency.Record) (bool, error) {
	item, err := attributevalue.MarshalMap(toIdemItem(rec))
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(record_id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key, source string) (*idempotency.Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"record_id": &types.AttributeValueMemberS{Value: idemRecordID(key, source)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item idemItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return fromIdemItem(item), nil
}

func (s *IdempotencyStore) Update(ctx context.Context, rec *idempotency.Record) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"record_id": &types.AttributeValueMemberS{Value: idemRecordID(rec.Key, rec.Source)},
		},
		UpdateExpression: awsString("SET record_status = :s, response_body = :rb, note = :n, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":  &types.AttributeValueMemberS{Value: string(rec.Status)},
			":rb": &types.AttributeValueMemberB{Value: rec.Response},
			":n":  &types.AttributeValueMemberS{Value: rec.Note},
			":ua": &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: awsString("attribute_exists(record_id)"),
		ReturnValues:        types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// DeleteExpired sweeps records past their TTL. The table should also
// carry native DynamoDB TTL on expires_at; this pass exists so tests
// and low-traffic tables do not wait on the service's lazy expiry.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	var (
		removed  int
		startKey map[string]types.AttributeValue
	)
	cutoff := fmt.Sprintf("%d", before.Unix())
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:            &s.tableName,
			FilterExpression:     awsString("expires_at < :cutoff"),
			ProjectionExpression: awsString("record_id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cutoff": &types.AttributeValueMemberN{Value: cutoff},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return removed, fmt.Errorf("scan: %w", err)
		}
		for _, raw := range out.Items {
			id, ok := raw["record_id"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			if _, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
				TableName: &s.tableName,
				Key: map[string]types.AttributeValue{
					"record_id": &types.AttributeValueMemberS{Value: id.Value},
				},
			}); err != nil {
				return removed, fmt.Errorf("delete item: %w", err)
			}
			removed++
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return removed, nil
}

func toIdemItem(rec *idempotency.Record) idemItem {
	return idemItem{
		RecordID:      idemRecordID(rec.Key, rec.Source),
		Key:           rec.Key,
		Source:        rec.Source,
		Status:        string(rec.Status),
		Response:      rec.Response,
		Note:          rec.Note,
		CorrelationID: rec.CorrelationID,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		ExpiresAt:     rec.ExpiresAt.Unix(),
	}
}

func fromIdemItem(item idemItem) *idempotency.Record {
	return &idempotency.Record{
		Key:           item.Key,
		Source:        item.Source,
		Status:        idempotency.Status(item.Status),
		Response:      item.Response,
		Note:          item.Note,
		CorrelationID: item.CorrelationID,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
		ExpiresAt:     time.Unix(item.ExpiresAt, 0).UTC(),
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}
