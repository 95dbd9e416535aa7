package evolution

import "errors"

// Sentinel error kinds (spec.md §7).
var (
	ErrInvalidConfiguration          = errors.New("evolution: invalid configuration")
	ErrEvaluationFailureRateExceeded = errors.New("evolution: evaluation failure rate exceeded")
)
