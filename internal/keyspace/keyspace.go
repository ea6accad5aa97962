// Package keyspace derives partition keys for tally's dedicated tables.
package keyspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// LockPK computes the lock-table partition key for a guarded resource.
// The resource ref is hashed so that locks on hot resources sharing a
// prefix spread across partitions, and so arbitrary refs fit the key.
func LockPK(resourceRef string) string {
	h := sha256.Sum256([]byte(resourceRef))
	return "lock#" + hex.EncodeToString(h[:16]) // 128-bit hash as hex
}

// RateLimitPK computes the rate-limit partition key for a subject within a scope.
// An empty scope yields "default". Each part is length-prefixed before
// hashing, so a separator inside scope or subject cannot make two pairs collide.
func RateLimitPK(scope, subject string) string {
	if scope == "" {
		scope = "default"
	}
	data := fmt.Sprintf("%d:%s#%d:%s", len(scope), scope, len(subject), subject)
	h := sha256.Sum256([]byte(data))
	return "ratelimit#" + hex.EncodeToString(h[:16])
}
