// Package retry provides exponential-backoff execution of fallible operations.
//
// Invariants:
// - The first attempt always runs, regardless of policy.
// - The error from the final attempt propagates verbatim, never a synthetic one.
// - OnRetry callbacks are observability only and cannot alter control flow.
//
// Usage:
//
//	resp, err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) (*Response, error) {
//		return client.Call(ctx, req)
//	})
//	_ = resp
//	_ = err
package retry
