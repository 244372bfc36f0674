/*
errors.go - Sentinel errors for cycle math

Domain packages wrap these with additional context:

	if errors.Is(err, generic.ErrInvalidPeriodConfig) {
	    return &cashback.ConfigurationError{...}
	}
*/
package generic

import "errors"

var (
	// ErrInvalidPeriodConfig is returned when a cycle configuration is
	// missing parameters or names an unknown cycle type.
	ErrInvalidPeriodConfig = errors.New("invalid period configuration")

	// ErrInvalidTag is returned when a cycle tag cannot be decoded back into
	// a window under the given configuration.
	ErrInvalidTag = errors.New("invalid cycle tag")

	// ErrInvalidPeriod is returned when a period is malformed (end not after start).
	ErrInvalidPeriod = errors.New("invalid period: end not after start")
)
