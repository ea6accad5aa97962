package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tally/internal/keyspace"
	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/retry"
	"github.com/jacentio/tally/store"
)

// Attribute names.
const (
	RequestIDAttr = "request_id"
	TimeoutAttr   = "timeout"
)

var (
	// ErrInvalidLease is returned for negative lease durations.
	ErrInvalidLease = errors.New("tally: lease must not be negative")

	// ErrInvalidHolder is returned for an empty holder identity.
	ErrInvalidHolder = errors.New("tally: holder id must not be empty")

	// ErrNotAcquired is returned by WithLock when the lock is held elsewhere.
	ErrNotAcquired = errors.New("tally: lock held by another holder")

	// ErrLeaseLost is returned by WithLock when the lease was no longer held
	// at release time, so the critical section may have overlapped another holder.
	ErrLeaseLost = errors.New("tally: lease expired or taken over before release")
)

// ResourceKey returns the dedicated lock-table key for a resource ref.
func ResourceKey(ref string) store.Key {
	return store.StringKey("pk", keyspace.LockPK(ref))
}

// Lease is the lock state stored on an item.
type Lease struct {
	Holder  string
	Expires time.Time
}

// Held reports whether the lease is live at now. A lease is live up to and
// including its expiry second.
func (l Lease) Held(now time.Time) bool {
	return l.Holder != "" && !l.Expires.IsZero() && l.Expires.Unix() >= now.Unix()
}

// Manager acquires and releases leases stored in one table.
type Manager struct {
	store        *store.Store
	table        string
	defaultLease time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Collectors
	requireItem  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics reports outcomes to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithExistingItems makes Acquire refuse keys with no item, returning
// store.ErrNotFound instead of creating an item that holds only the key and
// the lease. Use it when leases live on the guarded rows themselves.
func WithExistingItems() Option {
	return func(m *Manager) { m.requireItem = true }
}

// New creates a Manager for table. An empty table uses the configured
// dedicated lock table.
func New(s *store.Store, table string, opts ...Option) *Manager {
	cfg := s.Config()
	if table == "" {
		table = cfg.LocksTable
	}
	m := &Manager{
		store:        s,
		table:        table,
		defaultLease: cfg.DefaultLease,
		now:          time.Now,
		logger:       s.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Table returns the table the manager writes leases to.
func (m *Manager) Table() string {
	return m.table
}

// Acquire takes or renews the lock on key for lease, in a single
// conditional write. It returns false when a live lease exists.
// A zero lease uses the configured default.
func (m *Manager) Acquire(ctx context.Context, key store.Key, holderID string, lease time.Duration) (bool, error) {
	if holderID == "" {
		return false, ErrInvalidHolder
	}
	seconds, err := m.leaseSeconds(lease)
	if err != nil {
		return false, err
	}

	now := m.now()
	expiry := now.Unix() + seconds

	condition := store.LeaseFreeCondition()
	names := store.LeaseNames()
	if m.requireItem && len(key) > 0 {
		names["#item_key"] = slices.Sorted(maps.Keys(key))[0]
		condition = "attribute_exists(#item_key) AND (" + condition + ")"
	}

	_, err = m.store.Update(ctx, store.Mutation{
		Table:                    m.table,
		Key:                      key,
		UpdateExpression:         "SET #rq_id = :rq_id, #timeout = :timeout",
		ConditionExpression:      condition,
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: store.MergeValues(store.NowValue(now), map[string]types.AttributeValue{
			":rq_id":   &types.AttributeValueMemberS{Value: holderID},
			":timeout": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiry, 10)},
		}),
	})
	if err != nil {
		var condErr *store.ConditionError
		if m.requireItem && errors.As(err, &condErr) && !condErr.ItemExisted() {
			m.metrics.LockAcquire(m.table, metrics.NotFound)
			return false, fmt.Errorf("%w: %s", store.ErrNotFound, key.Ref())
		}
		if store.IsConditionFailed(err) {
			m.logger.Debug("lock contended", "table", m.table, "key", key.Ref(), "holder", holderID)
			m.metrics.LockAcquire(m.table, metrics.Contended)
			return false, nil
		}
		m.metrics.LockAcquire(m.table, metrics.Error)
		return false, err
	}

	m.logger.Debug("lock acquired", "table", m.table, "key", key.Ref(), "holder", holderID, "expires", expiry)
	m.metrics.LockAcquire(m.table, metrics.Acquired)
	return true, nil
}

// Release removes the lock if holderID still holds a live lease on key.
// It returns false, without error, when the lock was already released,
// expired, or is held by someone else.
func (m *Manager) Release(ctx context.Context, key store.Key, holderID string) (bool, error) {
	if holderID == "" {
		return false, ErrInvalidHolder
	}

	_, err := m.store.Update(ctx, store.Mutation{
		Table:                    m.table,
		Key:                      key,
		UpdateExpression:         "REMOVE #rq_id, #timeout",
		ConditionExpression:      store.LeaseHeldCondition(),
		ExpressionAttributeNames: store.LeaseNames(),
		ExpressionAttributeValues: store.MergeValues(store.NowValue(m.now()), map[string]types.AttributeValue{
			":rq_id": &types.AttributeValueMemberS{Value: holderID},
		}),
	})
	if err != nil {
		if store.IsConditionFailed(err) {
			m.logger.Debug("lock not held by caller", "table", m.table, "key", key.Ref(), "holder", holderID)
			m.metrics.LockRelease(m.table, metrics.NotHolder)
			return false, nil
		}
		m.metrics.LockRelease(m.table, metrics.Error)
		return false, err
	}

	m.metrics.LockRelease(m.table, metrics.Released)
	return true, nil
}

// Inspect reads the current lease on key. A missing item or missing
// attributes yield a zero Lease.
func (m *Manager) Inspect(ctx context.Context, key store.Key) (Lease, error) {
	item, err := m.store.Get(ctx, m.table, key)
	if errors.Is(err, store.ErrNotFound) {
		return Lease{}, nil
	}
	if err != nil {
		return Lease{}, err
	}

	var lease Lease
	lease.Holder, _ = item.Text(RequestIDAttr)
	if ts, ok := item.Int(TimeoutAttr); ok {
		lease.Expires = time.Unix(ts, 0)
	}
	return lease, nil
}

// AcquireWait polls Acquire under policy until it succeeds, the policy is
// exhausted (false, nil), ctx is done, or a service error occurs.
func (m *Manager) AcquireWait(ctx context.Context, key store.Key, holderID string, lease time.Duration, policy retry.Policy) (bool, error) {
	acquired := false
	err := policy.Do(ctx, func(ctx context.Context, _ int) (bool, error) {
		ok, err := m.Acquire(ctx, key, holderID, lease)
		acquired = ok
		return ok, err
	})
	if errors.Is(err, retry.ErrExhausted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// WithLock runs fn while holding the lock on key. It makes a single
// acquire attempt and returns ErrNotAcquired if the lock is busy. The lock
// is released after fn returns, even if ctx was cancelled meanwhile; if the
// lease lapsed before release, ErrLeaseLost is joined to fn's result.
func (m *Manager) WithLock(ctx context.Context, key store.Key, holderID string, lease time.Duration, fn func(ctx context.Context) error) error {
	ok, err := m.Acquire(ctx, key, holderID, lease)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	fnErr := fn(ctx)

	released, err := m.Release(context.WithoutCancel(ctx), key, holderID)
	if err != nil {
		return errors.Join(fnErr, fmt.Errorf("release lock: %w", err))
	}
	if !released {
		m.logger.Warn("lease lost before release", "table", m.table, "key", key.Ref(), "holder", holderID)
		return errors.Join(fnErr, ErrLeaseLost)
	}
	return fnErr
}

// HeldCheck returns a transaction member that fails unless holderID holds
// a live lease on key. Grouping it with other writes makes them land only
// while the lease is held.
func (m *Manager) HeldCheck(key store.Key, holderID string) types.TransactWriteItem {
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                aws.String(m.table),
			Key:                      key,
			ConditionExpression:      aws.String(store.LeaseHeldCondition()),
			ExpressionAttributeNames: store.LeaseNames(),
			ExpressionAttributeValues: store.MergeValues(store.NowValue(m.now()), map[string]types.AttributeValue{
				":rq_id": &types.AttributeValueMemberS{Value: holderID},
			}),
		},
	}
}

// leaseSeconds rounds lease up to whole seconds.
func (m *Manager) leaseSeconds(lease time.Duration) (int64, error) {
	if lease < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidLease, lease)
	}
	if lease == 0 {
		lease = m.defaultLease
	}
	seconds := int64(lease / time.Second)
	if lease%time.Second != 0 {
		seconds++
	}
	return seconds, nil
}
