// Package ddbfake is an in-memory stand-in for DynamoDB used by tests.
//
// Every request is serialised under a single mutex, so single-item
// conditional writes are linearizable and transactional batches are
// all-or-nothing, matching the guarantees tally relies on. Only the
// expression grammar tally emits is supported: comparisons, AND/OR/NOT,
// attribute_exists, attribute_not_exists, if_not_exists, SET with +/-,
// and REMOVE.
package ddbfake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

type table struct {
	pk, sk string
	items  map[string]item
}

// Client implements the DynamoDB operations used by store.API.
type Client struct {
	mu     sync.Mutex
	tables map[string]*table
	faults []error
	calls  map[string]int
}

// New returns an empty fake with no tables.
func New() *Client {
	return &Client{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
	}
}

// CreateTable registers a table. sk may be empty for a partition-key-only table.
func (c *Client) CreateTable(name, pk, sk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = &table{pk: pk, sk: sk, items: make(map[string]item)}
}

// FailNext makes the next request (of any kind) return err without effect.
func (c *Client) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, err)
}

// Calls returns how many requests of the given operation were served.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (c *Client) Item(tableName string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[tableName]
	if !ok {
		return nil
	}
	k, err := t.keyOf(key)
	if err != nil {
		return nil
	}
	if it, ok := t.items[k]; ok {
		return copyItem(it)
	}
	return nil
}

// Seed stores an item unconditionally.
func (c *Client) Seed(tableName string, it map[string]types.AttributeValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.table(tableName)
	if err != nil {
		return err
	}
	k, err := t.keyOf(it)
	if err != nil {
		return err
	}
	t.items[k] = copyItem(it)
	return nil
}

func (c *Client) begin(op string) error {
	c.calls[op]++
	if len(c.faults) > 0 {
		err := c.faults[0]
		c.faults = c.faults[1:]
		return err
	}
	return nil
}

func (c *Client) table(name string) (*table, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + name)}
	}
	return t, nil
}

func (t *table) keyOf(it map[string]types.AttributeValue) (string, error) {
	pv, ok := it[t.pk]
	if !ok {
		return "", validation("missing partition key " + t.pk)
	}
	k := scalarKey(pv)
	if t.sk != "" {
		sv, ok := it[t.sk]
		if !ok {
			return "", validation("missing sort key " + t.sk)
		}
		k += "|" + scalarKey(sv)
	}
	return k, nil
}

func (t *table) keyAttrs(it item) item {
	out := item{t.pk: it[t.pk]}
	if t.sk != "" {
		out[t.sk] = it[t.sk]
	}
	return out
}

// validation mimics the service's ValidationException.
func validation(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg, Fault: smithy.FaultClient}
}

func (c *Client) evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, it item) (bool, error) {
	if expr == nil || *expr == "" {
		return true, nil
	}
	p, err := newParser(*expr, names, values)
	if err != nil {
		return false, validation(err.Error())
	}
	cond, err := p.parseCondition()
	if err != nil {
		return false, validation(err.Error())
	}
	if p.peek().kind != tokEOF {
		return false, validation(fmt.Sprintf("trailing tokens in %q", *expr))
	}
	return cond(it), nil
}

func conditionFailed(old item, rv types.ReturnValuesOnConditionCheckFailure) error {
	e := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if rv == types.ReturnValuesOnConditionCheckFailureAllOld && len(old) > 0 {
		e.Item = copyItem(old)
	}
	return e
}

// GetItem implements store.API.
func (c *Client) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetItem"); err != nil {
		return nil, err
	}
	t, err := c.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.GetItemOutput{}
	if it, ok := t.items[k]; ok {
		out.Item = copyItem(it)
	}
	return out, nil
}

// PutItem implements store.API.
func (c *Client) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("PutItem"); err != nil {
		return nil, err
	}
	t, err := c.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := c.evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}
	t.items[k] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements store.API. Missing items are created, as in DynamoDB.
func (c *Client) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := c.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	next, err := c.prepareUpdate(t, in.Key, in.UpdateExpression, in.ConditionExpression,
		in.ExpressionAttributeNames, in.ExpressionAttributeValues, in.ReturnValuesOnConditionCheckFailure)
	if err != nil {
		return nil, err
	}
	k, _ := t.keyOf(in.Key)
	t.items[k] = next

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (c *Client) prepareUpdate(t *table, key item, updateExpr, condExpr *string, names map[string]string, values map[string]types.AttributeValue, rv types.ReturnValuesOnConditionCheckFailure) (item, error) {
	k, err := t.keyOf(key)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := c.evalCondition(condExpr, names, values, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, rv)
	}

	base := old
	if base == nil {
		base = t.keyAttrs(key)
	}
	p, err := newParser(aws.ToString(updateExpr), names, values)
	if err != nil {
		return nil, validation(err.Error())
	}
	next, err := p.applyUpdate(base)
	if err != nil {
		return nil, validation(err.Error())
	}
	for attr, v := range t.keyAttrs(key) {
		next[attr] = v
	}
	return next, nil
}

// DeleteItem implements store.API.
func (c *Client) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := c.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := c.evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query implements store.API. The key condition is evaluated against
// every item of the table; results are ordered by sort key.
func (c *Client) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("Query"); err != nil {
		return nil, err
	}
	t, err := c.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}

	var matched []item
	for _, it := range t.items {
		ok, err := c.evalCondition(in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, it)
		}
	}

	descending := in.ScanIndexForward != nil && !*in.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if t.sk == "" {
			return scalarKey(a[t.pk]) < scalarKey(b[t.pk])
		}
		cmp, _ := compare(a[t.sk], b[t.sk])
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})

	if in.ExclusiveStartKey != nil {
		start, err := t.keyOf(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, it := range matched {
			if k, _ := t.keyOf(it); k == start {
				matched = matched[i+1:]
				break
			}
		}
	}

	out := &dynamodb.QueryOutput{}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
		out.LastEvaluatedKey = t.keyAttrs(matched[len(matched)-1])
	}

	for _, it := range matched {
		ok, err := c.evalCondition(in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, copyItem(it))
		}
	}
	out.Count = int32(len(out.Items))
	out.ScannedCount = int32(len(matched))
	return out, nil
}

// TransactWriteItems implements store.API. All conditions are checked
// before any member is applied.
func (c *Client) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("TransactWriteItems"); err != nil {
		return nil, err
	}
	if len(in.TransactItems) == 0 {
		return nil, validation("TransactItems must not be empty")
	}

	type pending struct {
		t    *table
		key  string
		next item // nil means delete
		skip bool
	}
	var (
		writes  []pending
		reasons = make([]types.CancellationReason, len(in.TransactItems))
		failed  bool
	)

	for i, member := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		var (
			tableName *string
			key       item
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
			rv        types.ReturnValuesOnConditionCheckFailure
		)
		switch {
		case member.ConditionCheck != nil:
			m := member.ConditionCheck
			tableName, key, cond, names, values, rv = m.TableName, m.Key, m.ConditionExpression, m.ExpressionAttributeNames, m.ExpressionAttributeValues, m.ReturnValuesOnConditionCheckFailure
		case member.Put != nil:
			m := member.Put
			tableName, key, cond, names, values, rv = m.TableName, m.Item, m.ConditionExpression, m.ExpressionAttributeNames, m.ExpressionAttributeValues, m.ReturnValuesOnConditionCheckFailure
		case member.Delete != nil:
			m := member.Delete
			tableName, key, cond, names, values, rv = m.TableName, m.Key, m.ConditionExpression, m.ExpressionAttributeNames, m.ExpressionAttributeValues, m.ReturnValuesOnConditionCheckFailure
		case member.Update != nil:
			m := member.Update
			tableName, key, cond, names, values, rv = m.TableName, m.Key, m.ConditionExpression, m.ExpressionAttributeNames, m.ExpressionAttributeValues, m.ReturnValuesOnConditionCheckFailure
		default:
			return nil, validation(fmt.Sprintf("transact item %d has no operation", i))
		}

		t, err := c.table(aws.ToString(tableName))
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(key)
		if err != nil {
			return nil, err
		}
		old := t.items[k]
		ok, err := c.evalCondition(cond, names, values, old)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			reasons[i].Message = aws.String("The conditional request failed")
			if rv == types.ReturnValuesOnConditionCheckFailureAllOld && len(old) > 0 {
				reasons[i].Item = copyItem(old)
			}
			continue
		}

		switch {
		case member.ConditionCheck != nil:
			writes = append(writes, pending{skip: true})
		case member.Put != nil:
			writes = append(writes, pending{t: t, key: k, next: copyItem(member.Put.Item)})
		case member.Delete != nil:
			writes = append(writes, pending{t: t, key: k})
		case member.Update != nil:
			u := member.Update
			next, err := c.prepareUpdate(t, u.Key, u.UpdateExpression, nil, u.ExpressionAttributeNames, u.ExpressionAttributeValues, "")
			if err != nil {
				return nil, err
			}
			writes = append(writes, pending{t: t, key: k, next: next})
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, w := range writes {
		if w.skip {
			continue
		}
		if w.next == nil {
			delete(w.t.items, w.key)
			continue
		}
		w.t.items[w.key] = w.next
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// TransactGetItems implements store.API.
func (c *Client) TransactGetItems(_ context.Context, in *dynamodb.TransactGetItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("TransactGetItems"); err != nil {
		return nil, err
	}
	out := &dynamodb.TransactGetItemsOutput{}
	for _, member := range in.TransactItems {
		if member.Get == nil {
			return nil, validation("transact get item has no Get")
		}
		t, err := c.table(aws.ToString(member.Get.TableName))
		if err != nil {
			return nil, err
		}
		k, err := t.keyOf(member.Get.Key)
		if err != nil {
			return nil, err
		}
		resp := types.ItemResponse{}
		if it, ok := t.items[k]; ok {
			resp.Item = copyItem(it)
		}
		out.Responses = append(out.Responses, resp)
	}
	return out, nil
}

// Throttled returns the error DynamoDB reports when a partition is over its
// provisioned throughput, for use with FailNext.
func Throttled() error {
	return &smithy.GenericAPIError{
		Code:    "ProvisionedThroughputExceededException",
		Message: "The level of configured provisioned throughput for the table was exceeded",
		Fault:   smithy.FaultServer,
	}
}

// ErrInjected is a plain fault for FailNext.
var ErrInjected = errors.New("ddbfake: injected fault")
