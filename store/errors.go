package store

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	// ErrNotFound is returned when the requested item does not exist.
	ErrNotFound = errors.New("tally: item not found")

	// ErrConditionFailed is returned when a condition expression evaluated false.
	ErrConditionFailed = errors.New("tally: condition check failed")
)

// ConditionError reports a failed condition expression.
type ConditionError struct {
	// Table is the table the write targeted.
	Table string

	// Item is the item as it was when the condition failed, if the store
	// returned it. It is empty when the item did not exist.
	Item map[string]types.AttributeValue

	// Reasons holds per-member cancellation codes for transactional writes.
	Reasons []string
}

func (e *ConditionError) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("tally: condition check failed on %s (reasons %v)", e.Table, e.Reasons)
	}
	return fmt.Sprintf("tally: condition check failed on %s", e.Table)
}

// Unwrap makes errors.Is(err, ErrConditionFailed) hold.
func (e *ConditionError) Unwrap() error { return ErrConditionFailed }

// ItemExisted reports whether the item was present when the condition failed.
func (e *ConditionError) ItemExisted() bool { return len(e.Item) > 0 }

// ServiceError wraps any fault that is not a condition failure.
type ServiceError struct {
	Op    string
	Table string
	Key   string
	Code  string
	Err   error
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tally: %s %s [%s]: %s: %v", e.Op, e.Table, e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("tally: %s %s [%s]: %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsConditionFailed reports whether err is a condition failure.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}
