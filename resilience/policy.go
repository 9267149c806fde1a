package resilience

// Policy bundles the retry and circuit-breaker configuration used together
// wherever a caller wraps a non-idempotent external call: the external-
// side-effect coordinator (C8) and the dispatcher loops' handler invocation
// (C9) both take a *Policy instead of wiring RetryInfo/CircuitBreaker
// separately.
type Policy struct {
	// Retry holds the backoff policy applied between attempts. Nil means no
	// retry: a single attempt, fail permanently.
	Retry *RetryInfo
	// Breaker holds the circuit breaker guarding the call. Nil means no
	// breaker: attempts are never short-circuited.
	Breaker *CircuitBreaker
}

// NewPolicy builds a Policy from retry and breaker as given; either may be
// nil, with the meaning documented on the fields.
func NewPolicy(retry *RetryInfo, breaker *CircuitBreaker) *Policy {
	return &Policy{Retry: retry, Breaker: breaker}
}
