// Package stream audits DynamoDB stream records from tally's tables.
//
// The handler checks that every versioned write advanced the version by
// exactly one, reports balance changes to an optional sink, and traces
// lock hand-overs. It is meant to run as an AWS Lambda on the stream of
// the accounts table, the locks table, or both.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/store"
)

// Attribute names read from stream images.
const (
	versionAttr     = "version"
	balanceAttr     = "balance"
	accountIDAttr   = "account_id"
	accountTypeAttr = "account_type"
	requestIDAttr   = "request_id"
	timeoutAttr     = "timeout"
)

// BalanceChange describes one change to an account balance.
type BalanceChange struct {
	Key         store.Key
	AccountID   string
	AccountType string
	OldBalance  int64
	NewBalance  int64
	Version     int64
}

// BalanceSink receives balance changes. An error fails the batch so the
// stream redelivers it.
type BalanceSink func(ctx context.Context, change BalanceChange) error

// Handler processes DynamoDB stream events.
type Handler struct {
	logger  *slog.Logger
	metrics *metrics.Collectors
	sink    BalanceSink
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics counts version gaps in m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithBalanceSink forwards balance changes to sink.
func WithBalanceSink(sink BalanceSink) Option {
	return func(h *Handler) { h.sink = sink }
}

// NewHandler creates a new stream handler.
func NewHandler(logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChanges processes a batch of stream records.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for i := range event.Records {
		record := &event.Records[i]
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"table", tableName(record.EventSourceArn),
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record *events.DynamoDBEventRecord) error {
	if record.EventName != "INSERT" && record.EventName != "MODIFY" && record.EventName != "REMOVE" {
		return nil
	}
	oldImage, newImage := record.Change.OldImage, record.Change.NewImage

	h.auditLock(record, oldImage, newImage)

	if _, ok := newImage[accountIDAttr]; !ok {
		return nil
	}
	if record.EventName == "MODIFY" {
		h.auditVersion(record, oldImage, newImage)
	}
	return h.reportBalance(ctx, record, oldImage, newImage)
}

// auditVersion flags writes that skipped versions, moved the version
// backwards, or changed the balance without a version bump.
func (h *Handler) auditVersion(record *events.DynamoDBEventRecord, oldImage, newImage map[string]events.DynamoDBAttributeValue) {
	oldVersion, _ := getNumberAttr(oldImage, versionAttr)
	newVersion, _ := getNumberAttr(newImage, versionAttr)
	oldBalance, _ := getNumberAttr(oldImage, balanceAttr)
	newBalance, _ := getNumberAttr(newImage, balanceAttr)

	switch {
	case newVersion == oldVersion+1:
		return
	case newVersion == oldVersion && oldBalance == newBalance:
		// Unversioned attributes, such as a lease on the account row.
		return
	}

	h.metrics.VersionGap()
	h.logger.Error("version gap",
		"eventID", record.EventID,
		"table", tableName(record.EventSourceArn),
		"key", ConvertStreamKey(record.Change.Keys).Ref(),
		"oldVersion", oldVersion,
		"newVersion", newVersion,
		"oldBalance", oldBalance,
		"newBalance", newBalance,
	)
}

func (h *Handler) reportBalance(ctx context.Context, record *events.DynamoDBEventRecord, oldImage, newImage map[string]events.DynamoDBAttributeValue) error {
	if h.sink == nil || record.EventName == "REMOVE" {
		return nil
	}
	newBalance, ok := getNumberAttr(newImage, balanceAttr)
	if !ok {
		return nil
	}
	oldBalance, hadBalance := getNumberAttr(oldImage, balanceAttr)
	if hadBalance && oldBalance == newBalance {
		return nil
	}
	version, _ := getNumberAttr(newImage, versionAttr)

	change := BalanceChange{
		Key:         ConvertStreamKey(record.Change.Keys),
		AccountID:   getStringAttr(newImage, accountIDAttr),
		AccountType: getStringAttr(newImage, accountTypeAttr),
		OldBalance:  oldBalance,
		NewBalance:  newBalance,
		Version:     version,
	}
	if err := h.sink(ctx, change); err != nil {
		return fmt.Errorf("balance sink: %w", err)
	}
	return nil
}

// auditLock traces lease transitions. Only the holder attribute is
// compared; a changed timeout under the same holder is a renewal.
func (h *Handler) auditLock(record *events.DynamoDBEventRecord, oldImage, newImage map[string]events.DynamoDBAttributeValue) {
	oldHolder := getStringAttr(oldImage, requestIDAttr)
	newHolder := getStringAttr(newImage, requestIDAttr)
	if oldHolder == "" && newHolder == "" {
		return
	}
	expires, _ := getNumberAttr(newImage, timeoutAttr)
	key := ConvertStreamKey(record.Change.Keys).Ref()

	switch {
	case oldHolder == "":
		h.logger.Debug("lock acquired", "key", key, "holder", newHolder, "expires", expires)
	case newHolder == "":
		h.logger.Debug("lock released", "key", key, "holder", oldHolder)
	case oldHolder != newHolder:
		h.logger.Debug("expired lock taken over", "key", key, "from", oldHolder, "to", newHolder, "expires", expires)
	default:
		h.logger.Debug("lock renewed", "key", key, "holder", newHolder, "expires", expires)
	}
}

// tableName extracts the table from a stream ARN
// (arn:aws:dynamodb:region:account:table/NAME/stream/LABEL).
func tableName(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts an integer attribute from a DynamoDB stream image.
// ok is false when the attribute is missing or not an integer.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) (int64, bool) {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, err := strconv.ParseInt(v.Number(), 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}

// ConvertStreamKey converts a DynamoDB stream key to a store.Key.
// Use this when you need to convert keys from stream records to store operations.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) store.Key {
	result := make(store.Key)
	for k, v := range streamKey {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		}
	}
	return result
}
