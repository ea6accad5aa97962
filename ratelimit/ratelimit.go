// Package ratelimit persists token-bucket state so several processes can
// share one rate limit.
//
// The refill arithmetic lives with the caller ([Bucket] is provided for
// that); the [Persister] only guarantees that a computed state is written
// atomically, on its own or as one member of a larger transaction.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tally/internal/keyspace"
	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/store"
)

// Attribute names.
const (
	TokensAttr = "rate_limit_tokens"
	RefillAttr = "last_token_refill_time"
)

// ErrNegativeTokens is returned when asked to persist a negative token count.
var ErrNegativeTokens = errors.New("tally: rate limit tokens must not be negative")

// State is a persisted token bucket.
type State struct {
	Tokens     int64
	LastRefill time.Time
}

// SubjectKey returns the rate-limit table key for subject within scope.
func SubjectKey(scope, subject string) store.Key {
	return store.StringKey("pk", keyspace.RateLimitPK(scope, subject))
}

// Persister writes token-bucket state.
type Persister struct {
	store   *store.Store
	table   string
	logger  *slog.Logger
	metrics *metrics.Collectors
}

// Option configures a Persister.
type Option func(*Persister)

// WithMetrics reports outcomes to m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Persister) { p.metrics = m }
}

// New creates a Persister for table. An empty table uses the configured
// rate-limit table; the accounts table works too, since only the two
// token attributes are touched.
func New(s *store.Store, table string, opts ...Option) *Persister {
	if table == "" {
		table = s.Config().RateLimitTable
	}
	p := &Persister{store: s, table: table, logger: s.Logger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Table returns the table state is written to.
func (p *Persister) Table() string {
	return p.table
}

// PersistOp builds the transaction member that sets the bucket state on key.
// It is unconditional; group it with condition checks to guard it.
func (p *Persister) PersistOp(key store.Key, tokens int64, now time.Time) (types.TransactWriteItem, error) {
	if tokens < 0 {
		return types.TransactWriteItem{}, fmt.Errorf("%w: %d", ErrNegativeTokens, tokens)
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:        aws.String(p.table),
			Key:              key,
			UpdateExpression: aws.String("SET #rate_limit_tokens = :new_rate_limit_tokens, #last_token_refill_time = :now"),
			ExpressionAttributeNames: map[string]string{
				"#rate_limit_tokens":      TokensAttr,
				"#last_token_refill_time": RefillAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":new_rate_limit_tokens": &types.AttributeValueMemberN{Value: strconv.FormatInt(tokens, 10)},
				":now":                   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		},
	}, nil
}

// Persist writes tokens and now as the bucket state of key, in one
// transactional write.
func (p *Persister) Persist(ctx context.Context, key store.Key, tokens int64, now time.Time) error {
	op, err := p.PersistOp(key, tokens, now)
	if err != nil {
		return err
	}
	if err := p.store.TransactWrite(ctx, []types.TransactWriteItem{op}); err != nil {
		p.metrics.RateLimitWrite(p.table, metrics.Error)
		return err
	}
	p.metrics.RateLimitWrite(p.table, metrics.OK)
	return nil
}

// PersistUnderLock writes the bucket state together with guard (typically
// lock.Manager.HeldCheck) as one all-or-nothing transaction. It returns
// false, without error, when a guard condition failed.
func (p *Persister) PersistUnderLock(ctx context.Context, key store.Key, tokens int64, now time.Time, guards ...types.TransactWriteItem) (bool, error) {
	op, err := p.PersistOp(key, tokens, now)
	if err != nil {
		return false, err
	}
	items := append(append([]types.TransactWriteItem{}, guards...), op)
	if err := p.store.TransactWrite(ctx, items); err != nil {
		if store.IsConditionFailed(err) {
			p.logger.Debug("rate limit write guard failed", "table", p.table, "key", key.Ref())
			return false, nil
		}
		p.metrics.RateLimitWrite(p.table, metrics.Error)
		return false, err
	}
	p.metrics.RateLimitWrite(p.table, metrics.OK)
	return true, nil
}

// Load reads the bucket state of key transactionally. It returns
// store.ErrNotFound if the item or its token attribute is missing.
func (p *Persister) Load(ctx context.Context, key store.Key) (State, error) {
	item, err := p.store.TransactGet(ctx, p.table, key)
	if err != nil {
		return State{}, err
	}
	tokens, ok := item.Int(TokensAttr)
	if !ok {
		return State{}, store.ErrNotFound
	}
	return State{Tokens: tokens, LastRefill: refillTime(item.Raw[RefillAttr])}, nil
}

// refillTime accepts unix seconds stored as a Number or as a String.
func refillTime(v types.AttributeValue) time.Time {
	var raw string
	switch tv := v.(type) {
	case *types.AttributeValueMemberN:
		raw = tv.Value
	case *types.AttributeValueMemberS:
		raw = tv.Value
	default:
		return time.Time{}
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
