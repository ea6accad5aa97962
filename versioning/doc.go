// Package versioning implements optimistic concurrency control over items
// carrying a numeric "version" attribute.
//
// A write succeeds only if the stored version still equals the version the
// caller read; it then sets version = expected + 1 together with the
// mutated attributes in the same conditional UpdateItem. A stale writer
// gets a Conflict result rather than an error, and must re-read before
// trying again. [Controller.Apply] never retries; [Controller.ApplyWithRetry]
// re-reads and re-applies under an explicit retry.Policy.
//
//	res, err := c.Apply(ctx, "accounts", key, snap, func(cur map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
//	    return map[string]types.AttributeValue{"balance": store.Number(600)}, nil
//	})
//	switch {
//	case errors.Is(err, store.ErrNotFound):
//	    // create instead
//	case err != nil:
//	    return err
//	case res.Outcome == versioning.Conflict:
//	    // re-read and retry
//	}
package versioning
