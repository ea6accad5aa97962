package account

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/tally/retry"
	"github.com/jacentio/tally/store"
	"github.com/jacentio/tally/versioning"
)

// Repository reads and writes accounts.
type Repository struct {
	store    *store.Store
	versions *versioning.Controller
	table    string
	logger   *slog.Logger
}

// NewRepository creates a Repository over the configured accounts table.
func NewRepository(s *store.Store, versions *versioning.Controller) *Repository {
	return &Repository{
		store:    s,
		versions: versions,
		table:    s.Config().AccountsTable,
		logger:   s.Logger(),
	}
}

// Table returns the accounts table name.
func (r *Repository) Table() string {
	return r.table
}

// Create stores a new account at version 0. A nil ID is replaced with a
// random one and a zero overdraft limit with DefaultOverdraftLimit.
func (r *Repository) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.OverdraftLimit == 0 {
		a.OverdraftLimit = DefaultOverdraftLimit
	}
	a.Version = 0
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Balance < a.OverdraftLimit {
		return ErrOverdraftExceeded
	}

	item, err := a.marshal()
	if err != nil {
		return err
	}
	err = r.store.Put(ctx, r.table, item, &store.Condition{
		Expression: "attribute_not_exists(#account_id) AND attribute_not_exists(#account_type)",
		Names: map[string]string{
			"#account_id":   IDAttr,
			"#account_type": TypeAttr,
		},
	})
	if store.IsConditionFailed(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	r.logger.Info("account created", "account_id", a.ID, "account_type", a.Type)
	return nil
}

// Get reads one account with a strongly consistent read.
func (r *Repository) Get(ctx context.Context, id uuid.UUID, t Type) (*Account, error) {
	item, err := r.store.Get(ctx, r.table, Key(id, t))
	if err != nil {
		return nil, err
	}
	return fromAttributes(item.Raw)
}

// List returns every account sharing id, ordered by account type.
func (r *Repository) List(ctx context.Context, id uuid.UUID) ([]*Account, error) {
	items, err := r.store.QueryPartition(ctx, r.table, IDAttr, id.String())
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(items))
	for _, item := range items {
		a, err := fromAttributes(item.Raw)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// SetBalance writes balance if a.Version is still current. On success a
// is updated in place; on Conflict it is left as it was.
func (r *Repository) SetBalance(ctx context.Context, a *Account, balance int64) (versioning.Outcome, error) {
	if balance < a.OverdraftLimit {
		return 0, ErrOverdraftExceeded
	}
	return r.write(ctx, a, balance)
}

// ApplyTransaction adds delta to the balance a was read with, guarded by
// a.Version. It performs one conditional write and never retries.
func (r *Repository) ApplyTransaction(ctx context.Context, a *Account, delta int64) (versioning.Outcome, error) {
	next, err := checkOverdraft(a.Balance, delta, a.OverdraftLimit)
	if err != nil {
		return 0, err
	}
	return r.write(ctx, a, next)
}

func (r *Repository) write(ctx context.Context, a *Account, balance int64) (versioning.Outcome, error) {
	snap := versioning.Snapshot{Version: a.Version}
	res, err := r.versions.Apply(ctx, r.table, a.Key(), snap, func(map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
		return map[string]types.AttributeValue{BalanceAttr: store.Number(balance)}, nil
	})
	if err != nil {
		return 0, err
	}
	if res.Outcome == versioning.Applied {
		a.Balance = balance
		a.Version = res.Version
	}
	return res.Outcome, nil
}

// Transact adds delta to the stored balance, re-reading and retrying
// after each Conflict under policy. It returns the account as written.
// When the policy is exhausted the error wraps retry.ErrExhausted.
func (r *Repository) Transact(ctx context.Context, id uuid.UUID, t Type, delta int64, policy retry.Policy) (*Account, error) {
	res, err := r.versions.ApplyWithRetry(ctx, r.table, Key(id, t), policy, func(current map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
		a, err := fromAttributes(current)
		if err != nil {
			return nil, err
		}
		next, err := checkOverdraft(a.Balance, delta, a.OverdraftLimit)
		if err != nil {
			return nil, err
		}
		return map[string]types.AttributeValue{BalanceAttr: store.Number(next)}, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			r.logger.Warn("account transaction gave up", "account_id", id, "account_type", t, "version", res.Version)
		}
		return nil, err
	}
	return fromAttributes(res.Attributes)
}
