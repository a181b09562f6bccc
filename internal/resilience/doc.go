// Package resilience provides fault tolerance patterns for calls to remote dependencies.
//
// The package supports:
//   - Circuit breakers for queue backends, databases and HTTP dependencies
//   - Retry logic with exponential backoff and jitter for bounded local retries
//
// Usage Example:
//
//	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("billing-api"))
//	if err != nil {
//	    return err
//	}
//	err = cb.Do(func() error {
//	    return callBillingAPI(ctx)
//	})
//	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
//	    // service unavailable now; do not retry immediately
//	}
//
//	err = retry.WithBackoff(ctx, retry.DeadLetterConfig(), func() error {
//	    return sink.Write(ctx, record)
//	})
package resilience
