package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/retry"
	"github.com/jacentio/tally/store"
)

// VersionAttr is the attribute holding the optimistic lock version.
const VersionAttr = "version"

// UpdatedAtAttr records the time of the last versioned write (RFC 3339).
const UpdatedAtAttr = "updated_at"

// ErrProtectedAttribute is returned when a mutation tries to write a key
// attribute or one of the attributes the controller manages.
var ErrProtectedAttribute = errors.New("tally: mutation writes a protected attribute")

// Snapshot is the state a caller read before mutating.
type Snapshot struct {
	Version    int64
	Attributes map[string]types.AttributeValue
}

// SnapshotOf captures a read item.
func SnapshotOf(item *store.Item) Snapshot {
	return Snapshot{Version: item.Version, Attributes: item.Raw}
}

// Mutation computes the attributes to write from the current attributes.
// It must be free of side effects: ApplyWithRetry may call it once per attempt.
type Mutation func(current map[string]types.AttributeValue) (map[string]types.AttributeValue, error)

// Outcome of a versioned write.
type Outcome int

const (
	// Applied means the write landed and the version advanced by one.
	Applied Outcome = iota + 1
	// Conflict means the stored version no longer matched; nothing was written.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Result of Apply.
type Result struct {
	Outcome Outcome

	// Version is the new version when Applied, the expected version on Conflict.
	Version int64

	// Attributes is the full item after the write when Applied.
	Attributes map[string]types.AttributeValue
}

// Controller issues versioned conditional writes.
type Controller struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics reports outcomes to m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger overrides the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides time.Now for the updated_at attribute.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller over s.
func New(s *store.Store, opts ...Option) *Controller {
	c := &Controller{
		store:  s,
		logger: s.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply writes the mutation of snap if the stored version still equals
// snap.Version. It performs exactly one conditional write.
//
// It returns store.ErrNotFound when the item does not exist, a Conflict
// result when the version moved on, and any other error unchanged.
func (c *Controller) Apply(ctx context.Context, table string, key store.Key, snap Snapshot, mutate Mutation) (Result, error) {
	changes, err := mutate(copyAttrs(snap.Attributes))
	if err != nil {
		return Result{}, err
	}
	m, err := c.mutation(table, key, snap.Version, changes)
	if err != nil {
		return Result{}, err
	}

	attrs, err := c.store.Update(ctx, m)
	if err != nil {
		var condErr *store.ConditionError
		if errors.As(err, &condErr) {
			if !condErr.ItemExisted() {
				c.metrics.VersionedWrite(table, metrics.NotFound)
				return Result{}, store.ErrNotFound
			}
			stored, _ := store.IntAttr(condErr.Item, VersionAttr)
			c.logger.Debug("version conflict",
				"table", table,
				"key", key.Ref(),
				"expected", snap.Version,
				"stored", stored,
			)
			c.metrics.VersionedWrite(table, metrics.Conflict)
			return Result{Outcome: Conflict, Version: snap.Version}, nil
		}
		c.metrics.VersionedWrite(table, metrics.Error)
		return Result{}, err
	}

	c.metrics.VersionedWrite(table, metrics.Applied)
	return Result{Outcome: Applied, Version: snap.Version + 1, Attributes: attrs}, nil
}

// ApplyWithRetry reads the item, applies mutate, and on Conflict re-reads
// and tries again until policy is exhausted. The last Conflict result is
// returned together with an error wrapping retry.ErrExhausted.
func (c *Controller) ApplyWithRetry(ctx context.Context, table string, key store.Key, policy retry.Policy, mutate Mutation) (Result, error) {
	var last Result
	err := policy.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		item, err := c.store.Get(ctx, table, key)
		if err != nil {
			return false, err
		}
		last, err = c.Apply(ctx, table, key, SnapshotOf(item), mutate)
		if err != nil {
			return false, err
		}
		if last.Outcome == Conflict {
			c.logger.Debug("retrying after version conflict", "table", table, "key", key.Ref(), "attempt", attempt)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

// mutation builds the conditional UpdateItem for changes.
func (c *Controller) mutation(table string, key store.Key, expected int64, changes map[string]types.AttributeValue) (store.Mutation, error) {
	names := make([]string, 0, len(changes))
	for name := range changes {
		if key.Has(name) || name == VersionAttr || name == UpdatedAtAttr {
			return store.Mutation{}, fmt.Errorf("%w: %s", ErrProtectedAttribute, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	exprNames := map[string]string{
		"#version":    VersionAttr,
		"#updated_at": UpdatedAtAttr,
	}
	exprValues := map[string]types.AttributeValue{
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		":new_version":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expected+1, 10)},
		":updated_at":       &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
	}

	setClauses := make([]string, 0, len(names)+2)
	for i, name := range names {
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		exprNames[nameKey] = name
		exprValues[valueKey] = changes[name]
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}
	setClauses = append(setClauses, "#version = :new_version", "#updated_at = :updated_at")

	return store.Mutation{
		Table:                     table,
		Key:                       key,
		UpdateExpression:          "SET " + joinStrings(setClauses, ", "),
		ConditionExpression:       store.VersionCondition(),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	}, nil
}

func copyAttrs(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// joinStrings joins strings with a separator.
func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for _, s := range strs[1:] {
		result += sep + s
	}
	return result
}
