package quotagate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotFound           = errors.New("quotagate: account not found")
	ErrAccountExists      = errors.New("quotagate: account already exists")
	ErrUnauthorized       = errors.New("quotagate: caller lacks required role")
	ErrStoreUnavailable   = errors.New("quotagate: account store unavailable")
	ErrInvariantViolation = errors.New("quotagate: invariant violation")
	ErrQuotaExhausted     = errors.New("quotagate: quota exhausted")
	ErrDuplicateRequest   = errors.New("quotagate: duplicate request")
	ErrHandleTaken        = errors.New("quotagate: handle already taken")
	ErrHandleCooldown     = errors.New("quotagate: handle change on cooldown")
	ErrInvalidArgument    = errors.New("quotagate: invalid argument")
	ErrDenied             = errors.New("quotagate: access denied")

	ErrGeneratorUnavailable = errors.New("quotagate: generator unavailable")
	ErrRateLimited          = errors.New("quotagate: rate limited by generator")
	ErrGeneratorAuth        = errors.New("quotagate: generator authentication failed")
	ErrInvalidRequest       = errors.New("quotagate: invalid generation request")
)

// DeniedError is returned by operations that perform a metered action when
// the gate decided against it. It matches ErrDenied with errors.Is.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quotagate: access denied: %s", e.Decision)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// IsRetryable returns true if the operation may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsGeneratorFailure returns true if err originated in the generation service.
func IsGeneratorFailure(err error) bool {
	return errors.Is(err, ErrGeneratorUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrGeneratorAuth) ||
		errors.Is(err, ErrInvalidRequest)
}

// Unavailable wraps an infrastructure error so that it matches
// ErrStoreUnavailable while keeping the cause reachable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
