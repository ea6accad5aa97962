package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// LeaseFreeCondition is the condition under which a lease attribute may be
// (re)written: the lease is absent or already expired at :now.
// The holder identity is deliberately not part of it.
func LeaseFreeCondition() string {
	return "attribute_not_exists(#timeout) OR #timeout < :now"
}

// LeaseHeldCondition holds while :rq_id owns a lease that has not expired at :now.
func LeaseHeldCondition() string {
	return "#rq_id = :rq_id AND #timeout >= :now"
}

// LeaseNames returns expression attribute names for the lease attributes.
func LeaseNames() map[string]string {
	return map[string]string{
		"#rq_id":   "request_id",
		"#timeout": "timeout",
	}
}

// NowValue returns the :now expression value in unix seconds.
func NowValue(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
	}
}

// VersionCondition requires the stored version to equal :expected_version.
func VersionCondition() string {
	return "#version = :expected_version"
}

// MergeValues merges expression attribute value maps; later maps win.
func MergeValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
