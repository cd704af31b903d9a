// Package failure holds the sentinel errors shared by the optimization, cache and
// orchestration layers. Callers test them with errors.Is.
package failure

import "errors"

var (
	// ErrConfigurationInvalid is returned for malformed strategy lists, out-of-range
	// weights or a configuration with no provider enabled. It is never retried.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrBudgetUnmet marks a truncation that could not reach its token budget.
	// It surfaces as an optimization diagnostic, not as a returned error.
	ErrBudgetUnmet = errors.New("token budget unmet")

	// ErrAgentUnavailable marks a strategy that needed the preprocessing agent
	// but ran without it.
	ErrAgentUnavailable = errors.New("preprocessing agent unavailable")

	// ErrCancelled is returned when the caller's context ends mid-operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrRetryBoundExceeded is returned when a turn keeps triggering provider
	// transitions past the configured bound.
	ErrRetryBoundExceeded = errors.New("provider retry bound exceeded")

	// ErrProvidersUnavailable is returned once every provider role is exhausted.
	ErrProvidersUnavailable = errors.New("no provider available")
)
