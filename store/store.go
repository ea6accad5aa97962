package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Store provides conditional DynamoDB operations.
type Store struct {
	client API
	config Config
	logger *slog.Logger
}

// New creates a new Store instance. A nil logger uses slog.Default().
func New(client API, config Config, logger *slog.Logger) *Store {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		config: config,
		logger: logger,
	}
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// Get retrieves an item with a strongly consistent read.
func (s *Store) Get(ctx context.Context, table string, key Key) (*Item, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.mapError("GetItem", table, key, err)
	}
	if len(result.Item) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalItem(result.Item), nil
}

// Put writes a whole item. A nil condition makes the write unconditional.
func (s *Store) Put(ctx context.Context, table string, item map[string]types.AttributeValue, cond *Condition) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}
	if cond != nil {
		input.ConditionExpression = aws.String(cond.Expression)
		if len(cond.Names) > 0 {
			input.ExpressionAttributeNames = cond.Names
		}
		if len(cond.Values) > 0 {
			input.ExpressionAttributeValues = cond.Values
		}
		input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}

	_, err := s.client.PutItem(ctx, input)
	if err != nil {
		return s.mapError("PutItem", table, nil, err)
	}
	return nil
}

// Update applies a single UpdateItem request and returns the item as it
// is after the write.
//
// A failed condition yields a *ConditionError carrying the item as it was,
// so callers can tell a missing item from a mismatched one.
func (s *Store) Update(ctx context.Context, m Mutation) (map[string]types.AttributeValue, error) {
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(m.Table),
		Key:              m.Key,
		UpdateExpression: aws.String(m.UpdateExpression),
		ReturnValues:     types.ReturnValueAllNew,
	}
	if m.ConditionExpression != "" {
		input.ConditionExpression = aws.String(m.ConditionExpression)
		input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}
	if len(m.ExpressionAttributeNames) > 0 {
		input.ExpressionAttributeNames = m.ExpressionAttributeNames
	}
	if len(m.ExpressionAttributeValues) > 0 {
		input.ExpressionAttributeValues = m.ExpressionAttributeValues
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return nil, s.mapError("UpdateItem", m.Table, m.Key, err)
	}
	return out.Attributes, nil
}

// Delete removes an item. A nil condition makes the delete unconditional.
func (s *Store) Delete(ctx context.Context, table string, key Key, cond *Condition) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       key,
	}
	if cond != nil {
		input.ConditionExpression = aws.String(cond.Expression)
		if len(cond.Names) > 0 {
			input.ExpressionAttributeNames = cond.Names
		}
		if len(cond.Values) > 0 {
			input.ExpressionAttributeValues = cond.Values
		}
		input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}

	_, err := s.client.DeleteItem(ctx, input)
	if err != nil {
		return s.mapError("DeleteItem", table, key, err)
	}
	return nil
}

// Query returns every item matching the key condition, paging through
// all results. Items are ordered by sort key, ascending unless
// input.Descending is set.
func (s *Store) Query(ctx context.Context, input QueryInput) ([]*Item, error) {
	queryInput := &dynamodb.QueryInput{
		TableName:              aws.String(input.TableName),
		KeyConditionExpression: aws.String(input.KeyConditionExpression),
		ConsistentRead:         aws.Bool(input.IndexName == ""),
		ScanIndexForward:       aws.Bool(!input.Descending),
	}
	if input.FilterExpression != "" {
		queryInput.FilterExpression = aws.String(input.FilterExpression)
	}
	if len(input.ExpressionAttributeNames) > 0 {
		queryInput.ExpressionAttributeNames = input.ExpressionAttributeNames
	}
	if len(input.ExpressionAttributeValues) > 0 {
		queryInput.ExpressionAttributeValues = input.ExpressionAttributeValues
	}
	if input.IndexName != "" {
		queryInput.IndexName = aws.String(input.IndexName)
	}
	if input.Limit > 0 {
		queryInput.Limit = aws.Int32(input.Limit)
	}

	var items []*Item
	paginator := dynamodb.NewQueryPaginator(s.client, queryInput)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.mapError("Query", input.TableName, nil, err)
		}
		for _, raw := range page.Items {
			items = append(items, unmarshalItem(raw))
		}
	}

	return items, nil
}

// QueryPartition returns all items sharing a string partition key.
func (s *Store) QueryPartition(ctx context.Context, table, pkAttr, pk string) ([]*Item, error) {
	return s.Query(ctx, QueryInput{
		TableName:                 table,
		KeyConditionExpression:    "#pk = :pk",
		ExpressionAttributeNames:  map[string]string{"#pk": pkAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": String(pk)},
	})
}

// TransactWrite executes items as one all-or-nothing batch.
func (s *Store) TransactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return s.mapError("TransactWriteItems", transactTable(items), nil, err)
	}
	return nil
}

// TransactGet reads a single item through TransactGetItems, which is
// serialised against in-flight transactional writes.
func (s *Store) TransactGet(ctx context.Context, table string, key Key) (*Item, error) {
	out, err := s.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{
		TransactItems: []types.TransactGetItem{
			{Get: &types.Get{TableName: aws.String(table), Key: key}},
		},
	})
	if err != nil {
		return nil, s.mapError("TransactGetItems", table, key, err)
	}
	if len(out.Responses) == 0 || len(out.Responses[0].Item) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalItem(out.Responses[0].Item), nil
}

// mapError classifies an SDK error. Condition failures become
// *ConditionError; everything else becomes *ServiceError and is logged.
func (s *Store) mapError(op, table string, key Key, err error) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		s.logger.Debug("condition check failed", "op", op, "table", table, "key", key.Ref())
		return &ConditionError{Table: table, Item: condErr.Item}
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		if ce := conditionFromCancellation(table, txErr); ce != nil {
			s.logger.Debug("transaction condition failed", "op", op, "table", table, "reasons", ce.Reasons)
			return ce
		}
	}

	svcErr := &ServiceError{Op: op, Table: table, Key: key.Ref(), Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		svcErr.Code = apiErr.ErrorCode()
	}
	if !errors.Is(err, context.Canceled) {
		s.logger.Error("dynamodb request failed",
			"op", op,
			"table", table,
			"key", svcErr.Key,
			"code", svcErr.Code,
			"error", err,
		)
	}
	return svcErr
}

// conditionFromCancellation returns a ConditionError if any member of a
// cancelled transaction failed its condition, nil otherwise.
func conditionFromCancellation(table string, txErr *types.TransactionCanceledException) *ConditionError {
	var (
		failed  bool
		reasons []string
		item    map[string]types.AttributeValue
	)
	for _, reason := range txErr.CancellationReasons {
		code := aws.ToString(reason.Code)
		reasons = append(reasons, code)
		if code == "ConditionalCheckFailed" {
			if !failed {
				item = reason.Item
			}
			failed = true
		}
	}
	if !failed {
		return nil
	}
	return &ConditionError{Table: table, Item: item, Reasons: reasons}
}

// transactTable names the first table a transaction touches, for error context.
func transactTable(items []types.TransactWriteItem) string {
	for _, it := range items {
		switch {
		case it.Update != nil:
			return aws.ToString(it.Update.TableName)
		case it.Put != nil:
			return aws.ToString(it.Put.TableName)
		case it.Delete != nil:
			return aws.ToString(it.Delete.TableName)
		case it.ConditionCheck != nil:
			return aws.ToString(it.ConditionCheck.TableName)
		}
	}
	return ""
}

// unmarshalItem converts a DynamoDB item to an Item struct.
func unmarshalItem(raw map[string]types.AttributeValue) *Item {
	item := &Item{Raw: raw}
	if v, ok := IntAttr(raw, "version"); ok {
		item.Version = v
	}
	return item
}
