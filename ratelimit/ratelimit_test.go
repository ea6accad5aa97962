package ratelimit_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tally/internal/ddbfake"
	"github.com/jacentio/tally/lock"
	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/ratelimit"
	"github.com/jacentio/tally/store"
)

type fixture struct {
	fake  *ddbfake.Client
	store *store.Store
	stats *metrics.Collectors
	p     *ratelimit.Persister
}

func setup(t *testing.T) *fixture {
	t.Helper()
	fake := ddbfake.New()
	cfg := store.DefaultConfig()
	fake.CreateTable(cfg.RateLimitTable, "pk", "")
	fake.CreateTable(cfg.LocksTable, "pk", "")

	f := &fixture{
		fake:  fake,
		store: store.New(fake, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))),
		stats: metrics.New(nil),
	}
	f.p = ratelimit.New(f.store, "", ratelimit.WithMetrics(f.stats))
	return f
}

var key = ratelimit.SubjectKey("api", "acct-123")

func TestPersist_RoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, f.p.Persist(ctx, key, 7, now))

	state, err := f.p.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Tokens)
	assert.True(t, state.LastRefill.Equal(now), "got %s", state.LastRefill)
	assert.Equal(t, 1, f.fake.Calls("TransactWriteItems"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.stats.RateLimitWrites.WithLabelValues(f.p.Table(), metrics.OK)))
}

func TestPersist_Overwrites(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, f.p.Persist(ctx, key, 10, now))
	require.NoError(t, f.p.Persist(ctx, key, 0, now.Add(time.Minute)))

	state, err := f.p.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Tokens)
	assert.Equal(t, now.Add(time.Minute).Unix(), state.LastRefill.Unix())
}

func TestPersist_KeepsOtherAttributes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.fake.Seed(f.p.Table(), map[string]types.AttributeValue{
		"pk":      key["pk"],
		"balance": store.Number(250),
	}))

	require.NoError(t, f.p.Persist(ctx, key, 3, time.Unix(100, 0)))

	got := f.fake.Item(f.p.Table(), key)
	assert.Equal(t, store.Number(250), got["balance"])
	assert.Equal(t, store.Number(3), got[ratelimit.TokensAttr])
}

func TestPersist_NegativeTokens(t *testing.T) {
	f := setup(t)
	err := f.p.Persist(context.Background(), key, -1, time.Unix(100, 0))
	require.ErrorIs(t, err, ratelimit.ErrNegativeTokens)
	assert.Zero(t, f.fake.Calls("TransactWriteItems"), "nothing is written")
}

func TestPersist_ServiceError(t *testing.T) {
	f := setup(t)
	f.fake.FailNext(ddbfake.Throttled())

	err := f.p.Persist(context.Background(), key, 1, time.Unix(100, 0))
	var svcErr *store.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "ProvisionedThroughputExceededException", svcErr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.stats.RateLimitWrites.WithLabelValues(f.p.Table(), metrics.Error)))
}

func TestLoad_Missing(t *testing.T) {
	f := setup(t)
	_, err := f.p.Load(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.fake.Seed(f.p.Table(), map[string]types.AttributeValue{
		"pk": key["pk"],
	}))
	_, err = f.p.Load(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound, "item without tokens has no bucket")
}

func TestLoad_StringTimestamp(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fake.Seed(f.p.Table(), map[string]types.AttributeValue{
		"pk":                 key["pk"],
		ratelimit.TokensAttr: store.Number(4),
		ratelimit.RefillAttr: store.String("1700000000"),
	}))

	state, err := f.p.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.Tokens)
	assert.Equal(t, int64(1_700_000_000), state.LastRefill.Unix())
}

func TestPersistUnderLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	mgr := lock.New(f.store, "", lock.WithClock(func() time.Time { return now }))
	lockKey := lock.ResourceKey("ratelimit/acct-123")

	ok, err := mgr.Acquire(ctx, lockKey, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.p.PersistUnderLock(ctx, key, 9, now, mgr.HeldCheck(lockKey, "A"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.p.PersistUnderLock(ctx, key, 1, now, mgr.HeldCheck(lockKey, "B"))
	require.NoError(t, err)
	assert.False(t, ok, "B does not hold the lock")

	state, err := f.p.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), state.Tokens, "failed guard leaves state untouched")
}

func TestSubjectKey(t *testing.T) {
	assert.Equal(t, ratelimit.SubjectKey("", "x").Ref(), ratelimit.SubjectKey("default", "x").Ref())
	assert.NotEqual(t, ratelimit.SubjectKey("a", "x").Ref(), ratelimit.SubjectKey("b", "x").Ref())
}

func TestSubjectKey_SeparatorInParts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, f.p.Persist(ctx, ratelimit.SubjectKey("api#v2", "acct-1"), 7, now))

	_, err := f.p.Load(ctx, ratelimit.SubjectKey("api", "v2#acct-1"))
	require.ErrorIs(t, err, store.ErrNotFound, "subjects must not share a bucket")

	state, err := f.p.Load(ctx, ratelimit.SubjectKey("api#v2", "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Tokens)
}
