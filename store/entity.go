package store

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key represents a DynamoDB primary key: partition key and optional sort key.
type Key map[string]types.AttributeValue

// StringKey builds a single-attribute string key.
func StringKey(attr, value string) Key {
	return Key{attr: &types.AttributeValueMemberS{Value: value}}
}

// CompositeKey builds a partition + sort key of string attributes.
func CompositeKey(pkAttr, pk, skAttr, sk string) Key {
	return Key{
		pkAttr: &types.AttributeValueMemberS{Value: pk},
		skAttr: &types.AttributeValueMemberS{Value: sk},
	}
}

// Ref renders the key as a stable string, e.g. "account_id=abc/account_type=savings".
// It is used for logging and for deriving lock-table keys.
func (k Key) Ref() string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+scalarString(k[name]))
	}
	return strings.Join(parts, "/")
}

// Has reports whether attr is one of the key attributes.
func (k Key) Has(attr string) bool {
	_, ok := k[attr]
	return ok
}

func scalarString(v types.AttributeValue) string {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return tv.Value
	case *types.AttributeValueMemberN:
		return tv.Value
	case *types.AttributeValueMemberB:
		return hex.EncodeToString(tv.Value)
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(tv.Value)
	default:
		return "?"
	}
}

// Item represents a retrieved item.
type Item struct {
	// Raw is the raw DynamoDB item.
	Raw map[string]types.AttributeValue

	// Version is the optimistic lock version (0 when absent).
	Version int64
}

// Int reads a numeric attribute. ok is false when the attribute is
// missing, not a number, or not an integer.
func (i *Item) Int(attr string) (n int64, ok bool) {
	return IntAttr(i.Raw, attr)
}

// Text reads a string attribute.
func (i *Item) Text(attr string) (string, bool) {
	v, ok := i.Raw[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

// IntAttr reads an integer Number attribute from a raw item.
func IntAttr(raw map[string]types.AttributeValue, attr string) (int64, bool) {
	v, ok := raw[attr].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Number encodes an integer as a DynamoDB Number.
func Number(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// String encodes a DynamoDB String.
func String(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

// Mutation is a single conditional UpdateItem request.
type Mutation struct {
	Table string
	Key   Key

	// UpdateExpression is the SET/REMOVE expression.
	UpdateExpression string

	// ConditionExpression is optional; empty means unconditional.
	ConditionExpression string

	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]types.AttributeValue
}

// Condition guards a put or delete.
type Condition struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// QueryInput defines parameters for querying a partition.
type QueryInput struct {
	// TableName is the DynamoDB table to query.
	TableName string

	// IndexName is the optional GSI/LSI to query.
	IndexName string

	// KeyConditionExpression is the DynamoDB key condition.
	KeyConditionExpression string

	// FilterExpression is an optional filter.
	FilterExpression string

	// ExpressionAttributeNames maps expression attribute name placeholders.
	ExpressionAttributeNames map[string]string

	// ExpressionAttributeValues maps expression attribute value placeholders.
	ExpressionAttributeValues map[string]types.AttributeValue

	// Limit is the page size (0 = service default).
	Limit int32

	// Descending reverses the sort-key order. Results are ascending by default.
	Descending bool
}
