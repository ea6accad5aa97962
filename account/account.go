// Package account stores bank accounts and mutates their balances with
// optimistic version checks.
package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jacentio/tally/store"
)

// Attribute names.
const (
	IDAttr        = "account_id"
	TypeAttr      = "account_type"
	BalanceAttr   = "balance"
	OverdraftAttr = "overdraft_limit"
)

// DefaultOverdraftLimit is applied when an account is created without one.
const DefaultOverdraftLimit int64 = -500

var (
	// ErrAlreadyExists is returned by Create when the key is taken.
	ErrAlreadyExists = errors.New("tally: account already exists")

	// ErrOverdraftExceeded is returned when a balance would fall below the
	// account's overdraft limit. Nothing is written.
	ErrOverdraftExceeded = errors.New("tally: overdraft limit exceeded")

	// ErrInvalidAccount wraps validation failures.
	ErrInvalidAccount = errors.New("tally: invalid account")
)

// Type is the account type, the sort key of the accounts table.
type Type string

const (
	Savings  Type = "savings"
	Checking Type = "checking"
	Current  Type = "current"
)

// ParseType parses a case-insensitive account type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case Savings, Checking, Current:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown account type %q", ErrInvalidAccount, s)
}

// Account is one row of the accounts table. Amounts are integer minor units.
type Account struct {
	ID             uuid.UUID `validate:"required"`
	Type           Type      `validate:"required,oneof=savings checking current"`
	Balance        int64
	OverdraftLimit int64 `validate:"lt=0"`
	Version        int64 `validate:"gte=0"`
}

// Key returns the composite key of the account.
func (a *Account) Key() store.Key {
	return Key(a.ID, a.Type)
}

// Key returns the composite key for id and t.
func Key(id uuid.UUID, t Type) store.Key {
	return store.CompositeKey(IDAttr, id.String(), TypeAttr, string(t))
}

// record is the stored form of an Account.
type record struct {
	AccountID      string `dynamodbav:"account_id"`
	AccountType    string `dynamodbav:"account_type"`
	Balance        int64  `dynamodbav:"balance"`
	OverdraftLimit *int64 `dynamodbav:"overdraft_limit,omitempty"`
	Version        int64  `dynamodbav:"version"`
}

var validate = validator.New()

// Validate checks the account's fields.
func (a *Account) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAccount, err)
	}
	return nil
}

func (a *Account) marshal() (map[string]types.AttributeValue, error) {
	limit := a.OverdraftLimit
	return attributevalue.MarshalMap(record{
		AccountID:      a.ID.String(),
		AccountType:    string(a.Type),
		Balance:        a.Balance,
		OverdraftLimit: &limit,
		Version:        a.Version,
	})
}

// fromAttributes decodes a stored account. Rows written without an
// overdraft limit get the default.
func fromAttributes(raw map[string]types.AttributeValue) (*Account, error) {
	var rec record
	if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	id, err := uuid.Parse(rec.AccountID)
	if err != nil {
		return nil, fmt.Errorf("decode account id %q: %w", rec.AccountID, err)
	}
	a := &Account{
		ID:             id,
		Type:           Type(rec.AccountType),
		Balance:        rec.Balance,
		OverdraftLimit: DefaultOverdraftLimit,
		Version:        rec.Version,
	}
	if rec.OverdraftLimit != nil {
		a.OverdraftLimit = *rec.OverdraftLimit
	}
	return a, nil
}

// checkOverdraft returns the balance after delta, or ErrOverdraftExceeded.
func checkOverdraft(balance, delta, limit int64) (int64, error) {
	next := balance + delta
	if (delta > 0 && next < balance) || (delta < 0 && next > balance) {
		return 0, fmt.Errorf("%w: balance overflow", ErrOverdraftExceeded)
	}
	if next < limit {
		return 0, fmt.Errorf("%w: %d below limit %d", ErrOverdraftExceeded, next, limit)
	}
	return next, nil
}
