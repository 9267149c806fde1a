package resilience

import (
	"errors"
	"sync/atomic"
	"time"
)

// circuit breaker states
const (
	circuitClosed   uint32 = iota // requests flow through
	circuitHalfOpen               // a limited number of probe requests are allowed
	circuitOpen                   // requests are rejected until the timeout elapses

	defaultTimeout          = 300
	defaultMaxHalfOpen      = 5
	defaultSuccessThreshold = 3
	defaultFailureThreshold = 3
)

// ErrCBOpen is returned by CanExecute while the breaker is open or the
// half-open probe budget is exhausted.
var ErrCBOpen = errors.New("the Circuit breaker is open and unable to process request")

// BreakerInfo configures a CircuitBreaker. The zero value is filled in
// with the package defaults by NewCircuitBreaker.
type BreakerInfo struct {
	FailureThreshold uint64 // consecutive failures before the breaker opens
	SuccessThreshold uint64 // consecutive half-open successes before it closes again
	MaxHalfOpen      uint32 // concurrent probe requests allowed while half-open
	Timeout          uint32 // seconds an open breaker waits before probing again
}

// CircuitBreaker guards a non-idempotent external call (C8's execute
// attempt, or any dispatcher handler wrapped in a resilience.Policy): once
// FailureThreshold consecutive failures are observed it stops letting
// calls through until Timeout elapses, then admits a bounded number of
// probes before closing again.
type CircuitBreaker struct {
	*BreakerInfo
	currentState    uint32
	successCounter  uint64
	failureCounter  uint64
	halfOpenCounter uint32
}

// NewCircuitBreaker builds a CircuitBreaker from info, defaulting any
// zero field.
func NewCircuitBreaker(info *BreakerInfo) (cb *CircuitBreaker) {
	if info == nil {
		info = &BreakerInfo{}
	}
	if info.SuccessThreshold == 0 {
		info.SuccessThreshold = defaultSuccessThreshold
	}
	if info.FailureThreshold == 0 {
		info.FailureThreshold = defaultFailureThreshold
	}
	if info.MaxHalfOpen == 0 {
		info.MaxHalfOpen = defaultMaxHalfOpen
	}
	if info.Timeout == 0 {
		info.Timeout = defaultTimeout
	}
	return &CircuitBreaker{
		BreakerInfo:  info,
		currentState: circuitClosed,
	}
}

// CanExecute reports whether a call may proceed. It returns ErrCBOpen if
// the breaker is open, or if it is half-open and the probe budget for this
// open/half-open cycle is already spent.
func (cb *CircuitBreaker) CanExecute() (err error) {
	state := cb.getState()
	if state == circuitOpen {
		err = ErrCBOpen
	} else if state == circuitHalfOpen {
		val := atomic.AddUint32(&cb.halfOpenCounter, 1)
		if val > cb.MaxHalfOpen {
			cb.updateState(circuitHalfOpen, circuitOpen)
			err = ErrCBOpen
		}
	}
	return
}

// OnExecution reports the outcome of a call that CanExecute admitted,
// advancing the success/failure counters and, once a threshold is
// crossed, transitioning state.
func (cb *CircuitBreaker) OnExecution(success bool) {
	var val uint64
	state := cb.getState()
	if success {
		atomic.StoreUint64(&cb.failureCounter, 0)
		val = atomic.AddUint64(&cb.successCounter, 1)
		if state == circuitHalfOpen && val >= cb.SuccessThreshold {
			cb.updateState(circuitHalfOpen, circuitClosed)
		}
	} else {
		atomic.StoreUint64(&cb.successCounter, 0)
		val = atomic.AddUint64(&cb.failureCounter, 1)
		if state == circuitClosed && val >= cb.FailureThreshold {
			cb.updateState(circuitClosed, circuitOpen)
		}
	}
}

// Reset forces the breaker back to closed with every counter zeroed.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreUint32(&cb.currentState, circuitClosed)
	atomic.StoreUint64(&cb.failureCounter, 0)
	atomic.StoreUint64(&cb.successCounter, 0)
	atomic.StoreUint32(&cb.halfOpenCounter, 0)
}

// updateState transitions the breaker from oldState to newState, resetting
// the counters, and on entering circuitOpen schedules the transition to
// circuitHalfOpen after Timeout seconds.
func (cb *CircuitBreaker) updateState(oldState, newState uint32) {
	if !atomic.CompareAndSwapUint32(&cb.currentState, oldState, newState) {
		return
	}
	atomic.StoreUint64(&cb.successCounter, 0)
	atomic.StoreUint64(&cb.failureCounter, 0)
	atomic.StoreUint32(&cb.halfOpenCounter, 0)
	if newState == circuitOpen {
		go func() {
			time.Sleep(time.Second * time.Duration(cb.Timeout))
			cb.updateState(circuitOpen, circuitHalfOpen)
		}()
	}
}

// getState returns the breaker's current state.
func (cb *CircuitBreaker) getState() uint32 {
	return atomic.LoadUint32(&cb.currentState)
}
