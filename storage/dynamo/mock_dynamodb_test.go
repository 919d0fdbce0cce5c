package dynamo

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tableMock is a small in-memory stand-in for the DynamoDB client. It
// understands only the expressions this package issues; anything else
// errors loudly so a new query shape gets a mock update.
type tableMock struct {
	mu     sync.Mutex
	pkAttr string
	items  map[string]map[string]types.AttributeValue

	putCalls    int
	getCalls    int
	updateCalls int
	deleteCalls int
	scanCalls   int

	failNext error
}

func newTableMock(pkAttr string) *tableMock {
	return &tableMock{
		pkAttr: pkAttr,
		items:  map[string]map[string]types.AttributeValue{},
	}
}

func (m *tableMock) pk(item map[string]types.AttributeValue) (string, error) {
	attr, ok := item[m.pkAttr].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing partition key " + m.pkAttr)
	}
	return attr.Value, nil
}

func (m *tableMock) PutItem(_ context.Context, params *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	key, err := m.pk(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		ok, err := m.evalPutCondition(*params.ConditionExpression, key, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[key] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *tableMock) evalPutCondition(expr, key string, values map[string]types.AttributeValue) (bool, error) {
	existing, exists := m.items[key]
	switch {
	case expr == "attribute_not_exists("+m.pkAttr+")":
		return !exists, nil
	case strings.HasPrefix(expr, "attribute_not_exists("+m.pkAttr+") OR expires_at < :now OR lock_status <> :active"):
		if !exists {
			return true, nil
		}
		expiresAt := numAttr(existing["expires_at"])
		now := numAttr(values[":now"])
		if expiresAt < now {
			return true, nil
		}
		status, _ := existing["lock_status"].(*types.AttributeValueMemberS)
		active, _ := values[":active"].(*types.AttributeValueMemberS)
		return status == nil || active == nil || status.Value != active.Value, nil
	default:
		return false, errors.New("unsupported condition expression: " + expr)
	}
}

func (m *tableMock) GetItem(_ context.Context, params *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	key, err := m.pk(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.items[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *tableMock) UpdateItem(_ context.Context, params *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	key, err := m.pk(params.Key)
	if err != nil {
		return nil, err
	}
	existing, ok := m.items[key]
	if !ok {
		if params.ConditionExpression != nil && strings.Contains(*params.ConditionExpression, "attribute_exists") {
			return nil, &types.ConditionalCheckFailedException{}
		}
		existing = map[string]types.AttributeValue{m.pkAttr: params.Key[m.pkAttr]}
	}
	if params.UpdateExpression == nil || !strings.HasPrefix(*params.UpdateExpression, "SET ") {
		return nil, errors.New("unsupported update expression")
	}
	for _, clause := range strings.Split(strings.TrimPrefix(*params.UpdateExpression, "SET "), ", ") {
		parts := strings.SplitN(clause, " = ", 2)
		if len(parts) != 2 {
			return nil, errors.New("unsupported update clause: " + clause)
		}
		attr := parts[0]
		if name, ok := params.ExpressionAttributeNames[attr]; ok {
			attr = name
		}
		existing[attr] = params.ExpressionAttributeValues[parts[1]]
	}
	m.items[key] = existing
	return &dyn.UpdateItemOutput{}, nil
}

func (m *tableMock) DeleteItem(_ context.Context, params *dyn.DeleteItemInput, _ ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	key, err := m.pk(params.Key)
	if err != nil {
		return nil, err
	}
	delete(m.items, key)
	return &dyn.DeleteItemOutput{}, nil
}

func (m *tableMock) Scan(_ context.Context, params *dyn.ScanInput, _ ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanCalls++
	out := &dyn.ScanOutput{}
	for _, item := range m.items {
		match, err := m.evalScanFilter(params, item)
		if err != nil {
			return nil, err
		}
		if match {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (m *tableMock) evalScanFilter(params *dyn.ScanInput, item map[string]types.AttributeValue) (bool, error) {
	if params.FilterExpression == nil {
		return true, nil
	}
	switch expr := *params.FilterExpression; expr {
	case "expires_at < :cutoff":
		return numAttr(item["expires_at"]) < numAttr(params.ExpressionAttributeValues[":cutoff"]), nil
	case "order_state = :s AND updated_at < :cutoff":
		state, _ := item["order_state"].(*types.AttributeValueMemberS)
		want, _ := params.ExpressionAttributeValues[":s"].(*types.AttributeValueMemberS)
		if state == nil || want == nil || state.Value != want.Value {
			return false, nil
		}
		return numAttr(item["updated_at"]) < numAttr(params.ExpressionAttributeValues[":cutoff"]), nil
	default:
		return false, errors.New("unsupported filter expression: " + expr)
	}
}

func numAttr(attr types.AttributeValue) int64 {
	n, ok := attr.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
