// Package retry provides the bounded retry loop used for backend sends.
//
// Do makes at most MaxAttempts calls, sleeping an exponentially growing,
// jittered backoff between them, and stops early when ShouldRetry rejects
// an error or the context ends.
//
//	cfg := &retry.Config{MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond}
//	err := retry.Do(ctx, cfg, func(attempt int) error {
//	    return send(destinations[attempt%len(destinations)])
//	}, &retry.Options{ShouldRetry: retry.IsNetworkError})
package retry
