package apperrors

import "errors"

// Standardized Broker Errors
var (
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidInstrument     = errors.New("invalid instrument")
	ErrSessionExpired        = errors.New("broker session expired")
	ErrBrokerMaintenance     = errors.New("broker maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrKillSwitchActive      = errors.New("kill switch active")
)

// IsTransient reports whether a broker error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrBrokerMaintenance)
}
