// Package lock implements lease-based mutual exclusion on top of single-item
// conditional writes.
//
// A lock is two attributes on an item: request_id (the holder) and timeout
// (absolute lease expiry, unix seconds). The item may be the guarded item
// itself or a row in a dedicated lock table (see [ResourceKey]).
//
// [Manager.Acquire] writes both attributes if the lock is free, meaning
// timeout is absent or already in the past. The condition ignores
// request_id: renewing one's own live lease fails like any other contender,
// and once a lease has expired anyone may take it, including the previous
// holder. There is no reaper; expiry is only ever evaluated by the next
// acquire.
//
// [Manager.Release] removes both attributes only while the caller still
// holds an unexpired lease. A false result means the lock was already
// released, was taken over, or lapsed; none of these are errors.
//
// Acquire is an upsert. On a key with no item it creates one holding only
// the key and the lease, and Release leaves that item behind. When leases
// live on the guarded rows (an accounts table, say), a later conditional
// create of that row sees the item and fails. [WithExistingItems] makes
// Acquire return store.ErrNotFound for such keys instead.
//
// Acquire and Release make exactly one request and never wait. Use
// [Manager.AcquireWait] with a retry.Policy for blocking semantics.
//
// Leases protect against crashed holders without heartbeats, at the price
// of a window where two processes can both believe they hold the lock if
// their clocks disagree by more than the lease margin. Size leases well
// above clock drift plus the longest critical section.
package lock
