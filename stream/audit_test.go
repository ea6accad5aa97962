package stream_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/store"
	"github.com/jacentio/tally/stream"
)

const accountsARN = "arn:aws:dynamodb:eu-west-1:123456789012:table/accounts/stream/2024-01-01T00:00:00.000"

func accountImage(version, balance string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"account_id":   events.NewStringAttribute("6f1c2a9e-0000-4000-8000-000000000001"),
		"account_type": events.NewStringAttribute("savings"),
		"balance":      events.NewNumberAttribute(balance),
		"version":      events.NewNumberAttribute(version),
	}
}

func accountKeys() map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"account_id":   events.NewStringAttribute("6f1c2a9e-0000-4000-8000-000000000001"),
		"account_type": events.NewStringAttribute("savings"),
	}
}

func modify(oldImage, newImage map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:        "1",
		EventName:      "MODIFY",
		EventSourceArn: accountsARN,
		Change: events.DynamoDBStreamRecord{
			Keys:     accountKeys(),
			OldImage: oldImage,
			NewImage: newImage,
		},
	}
}

func newHandler(opts ...stream.Option) (*stream.Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return stream.NewHandler(logger, opts...), &buf
}

func TestNewHandler_NilLogger(t *testing.T) {
	h := stream.NewHandler(nil)
	require.NotNil(t, h)
	assert.NoError(t, h.HandleChanges(context.Background(), events.DynamoDBEvent{}))
}

func TestHandleChanges_VersionAudit(t *testing.T) {
	tests := []struct {
		name    string
		old     map[string]events.DynamoDBAttributeValue
		new     map[string]events.DynamoDBAttributeValue
		wantGap bool
	}{
		{"next version", accountImage("0", "500"), accountImage("1", "600"), false},
		{"skipped version", accountImage("1", "500"), accountImage("3", "600"), true},
		{"version went back", accountImage("4", "500"), accountImage("2", "600"), true},
		{"balance without version", accountImage("2", "500"), accountImage("2", "900"), true},
		{"unversioned attribute", accountImage("2", "500"), accountImage("2", "500"), false},
		{"legacy row gains version", map[string]events.DynamoDBAttributeValue{
			"account_id": events.NewStringAttribute("x"),
			"balance":    events.NewNumberAttribute("10"),
		}, accountImage("1", "20"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := metrics.New(nil)
			h, logs := newHandler(stream.WithMetrics(stats))

			err := h.HandleChanges(context.Background(), events.DynamoDBEvent{
				Records: []events.DynamoDBEventRecord{modify(tt.old, tt.new)},
			})
			require.NoError(t, err)

			gaps := testutil.ToFloat64(stats.StreamVersionGap)
			if tt.wantGap {
				assert.Equal(t, 1.0, gaps)
				assert.Contains(t, logs.String(), "version gap")
				assert.Contains(t, logs.String(), "table=accounts")
			} else {
				assert.Zero(t, gaps)
			}
		})
	}
}

func TestHandleChanges_BalanceSink(t *testing.T) {
	var changes []stream.BalanceChange
	h, _ := newHandler(stream.WithBalanceSink(func(_ context.Context, c stream.BalanceChange) error {
		changes = append(changes, c)
		return nil
	}))

	insert := events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change:    events.DynamoDBStreamRecord{Keys: accountKeys(), NewImage: accountImage("0", "500")},
	}
	remove := events.DynamoDBEventRecord{
		EventName: "REMOVE",
		Change:    events.DynamoDBStreamRecord{Keys: accountKeys(), OldImage: accountImage("1", "600")},
	}
	err := h.HandleChanges(context.Background(), events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			insert,
			modify(accountImage("0", "500"), accountImage("1", "600")),
			modify(accountImage("1", "600"), accountImage("1", "600")),
			remove,
		},
	})
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, int64(0), changes[0].OldBalance)
	assert.Equal(t, int64(500), changes[0].NewBalance)
	assert.Equal(t, int64(0), changes[0].Version)
	assert.Equal(t, int64(500), changes[1].OldBalance)
	assert.Equal(t, int64(600), changes[1].NewBalance)
	assert.Equal(t, int64(1), changes[1].Version)
	assert.Equal(t, "savings", changes[1].AccountType)
	assert.Equal(t, store.String("savings"), changes[1].Key["account_type"])
}

func TestHandleChanges_SinkErrorStopsBatch(t *testing.T) {
	sinkErr := errors.New("downstream unavailable")
	calls := 0
	h, logs := newHandler(stream.WithBalanceSink(func(context.Context, stream.BalanceChange) error {
		calls++
		return sinkErr
	}))

	err := h.HandleChanges(context.Background(), events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			modify(accountImage("0", "1"), accountImage("1", "2")),
			modify(accountImage("1", "2"), accountImage("2", "3")),
		},
	})
	require.ErrorIs(t, err, sinkErr)
	assert.Equal(t, 1, calls, "processing stops after the first failure")
	assert.Contains(t, logs.String(), "failed to process record")
}

func TestHandleChanges_LockTransitions(t *testing.T) {
	lockKeys := map[string]events.DynamoDBAttributeValue{"pk": events.NewStringAttribute("lock#abc")}
	held := func(holder, timeout string) map[string]events.DynamoDBAttributeValue {
		return map[string]events.DynamoDBAttributeValue{
			"pk":         events.NewStringAttribute("lock#abc"),
			"request_id": events.NewStringAttribute(holder),
			"timeout":    events.NewNumberAttribute(timeout),
		}
	}
	free := map[string]events.DynamoDBAttributeValue{"pk": events.NewStringAttribute("lock#abc")}

	tests := []struct {
		name     string
		event    string
		old, new map[string]events.DynamoDBAttributeValue
		expected string
	}{
		{"first acquire", "INSERT", nil, held("A", "100"), "lock acquired"},
		{"acquire", "MODIFY", free, held("A", "100"), "lock acquired"},
		{"release", "MODIFY", held("A", "100"), free, "lock released"},
		{"takeover", "MODIFY", held("A", "100"), held("B", "200"), "expired lock taken over"},
		{"renewal", "MODIFY", held("A", "100"), held("A", "200"), "lock renewed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := metrics.New(nil)
			h, logs := newHandler(stream.WithMetrics(stats))
			err := h.HandleChanges(context.Background(), events.DynamoDBEvent{
				Records: []events.DynamoDBEventRecord{{
					EventName: tt.event,
					Change:    events.DynamoDBStreamRecord{Keys: lockKeys, OldImage: tt.old, NewImage: tt.new},
				}},
			})
			require.NoError(t, err)
			assert.Contains(t, logs.String(), tt.expected)
			assert.Zero(t, testutil.ToFloat64(stats.StreamVersionGap), "lock rows have no version to audit")
		})
	}
}

func TestHandleChanges_IgnoresUnknownEvents(t *testing.T) {
	h, logs := newHandler()
	err := h.HandleChanges(context.Background(), events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{{EventName: "UNKNOWN"}},
	})
	assert.NoError(t, err)
	assert.Zero(t, logs.Len(), "nothing logged, got %q", logs.String())
}

func TestConvertStreamKey(t *testing.T) {
	key := stream.ConvertStreamKey(map[string]events.DynamoDBAttributeValue{
		"account_id":   events.NewStringAttribute("abc"),
		"account_type": events.NewStringAttribute("savings"),
		"shard":        events.NewNumberAttribute("7"),
		"blob":         events.NewBinaryAttribute([]byte{0x01, 0x02}),
	})

	require.Len(t, key, 4)
	assert.Equal(t, store.Number(7), key["shard"])
	assert.Equal(t, &types.AttributeValueMemberB{Value: []byte{0x01, 0x02}}, key["blob"])
	want := store.CompositeKey("account_id", "abc", "account_type", "savings")
	want["shard"] = store.Number(7)
	want["blob"] = &types.AttributeValueMemberB{Value: []byte{0x01, 0x02}}
	assert.Equal(t, want.Ref(), key.Ref())
}

func TestConvertStreamKey_Nil(t *testing.T) {
	key := stream.ConvertStreamKey(nil)
	assert.NotNil(t, key)
	assert.Empty(t, key)
}
