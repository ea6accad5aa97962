// Package store is the storage gateway for tally: a thin wrapper over the
// DynamoDB API that every concurrency primitive in this module is built on.
//
// The gateway exposes single-item reads and conditional writes, partition
// queries, and all-or-nothing transactional batches. It performs no retries
// and holds no state beyond its client and configuration; the item in the
// table is always the record of truth.
//
// # Capability interface
//
// [Store] depends on [API], the subset of *dynamodb.Client it needs. Any
// implementation with the same single-item atomicity works, including the
// in-memory fake used by this module's tests.
//
//	client, err := store.NewClient(ctx, store.ClientConfig{Region: "eu-west-1"})
//	if err != nil {
//	    return err
//	}
//	s := store.New(client, store.DefaultConfig(), nil)
//
// # Errors
//
// Failures are classified at the gateway boundary:
//
//   - [ErrNotFound] - the item does not exist
//   - [ErrConditionFailed] - a condition expression evaluated false; the
//     concrete error is a [*ConditionError]
//   - [*ServiceError] - any other fault (throttling, network, validation);
//     the SDK error is available through errors.As / errors.Unwrap
//
// Higher layers turn condition failures into result values and propagate
// service errors unchanged.
package store
