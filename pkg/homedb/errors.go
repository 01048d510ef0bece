package homedb

import (
	"errors"
	"fmt"
	"time"
)

// Validation failures. Reported to the requester; never retried.
var (
	ErrNoSuchHome         = errors.New("no such home")
	ErrNotShared          = errors.New("home is not shared with you")
	ErrLimitExceeded      = errors.New("home limit reached")
	ErrInvalidName        = errors.New("invalid home name")
	ErrCrossWorldDisabled = errors.New("cross-world teleport is disabled")
	ErrOnCooldown         = errors.New("teleport on cooldown")
	ErrAlreadyPending     = errors.New("a teleport is already pending")
	ErrInvalidGrant       = errors.New("cannot share homes with yourself")
	ErrNoPermission       = errors.New("you do not have permission to do that")
)

// Environment failures. The request is discarded.
var (
	ErrNoSafeLocation = errors.New("no safe location found")
	ErrMoveFailed     = errors.New("teleport failed")
	ErrNoLocation     = errors.New("player location is unknown")
)

// ErrCancelled marks a teleport the player cancelled by moving, taking
// damage, disconnecting or asking to.
var ErrCancelled = errors.New("teleport cancelled")

// ErrIO wraps persistence failures.
var ErrIO = errors.New("persistence error")

// CooldownError is returned while a player's cooldown is still running.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s remaining", ErrOnCooldown, e.Remaining.Round(time.Second))
}

// Is makes errors.Is(err, ErrOnCooldown) match.
func (e *CooldownError) Is(target error) bool {
	return target == ErrOnCooldown
}

// ErrorKind groups errors by how the front-end should present them.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindEnvironment
	KindCancellation
	KindIO
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindEnvironment:
		return "environment"
	case KindCancellation:
		return "cancellation"
	case KindIO:
		return "io"
	default:
		return "internal"
	}
}

var validationErrors = []error{
	ErrNoSuchHome, ErrNotShared, ErrLimitExceeded, ErrInvalidName,
	ErrCrossWorldDisabled, ErrOnCooldown, ErrAlreadyPending, ErrInvalidGrant,
	ErrNoPermission,
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return KindValidation
		}
	}
	switch {
	case errors.Is(err, ErrNoSafeLocation), errors.Is(err, ErrMoveFailed), errors.Is(err, ErrNoLocation):
		return KindEnvironment
	case errors.Is(err, ErrCancelled):
		return KindCancellation
	case errors.Is(err, ErrIO):
		return KindIO
	}
	return KindInternal
}

// Reason returns a stable snake_case code for err, suitable for clients.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSuchHome):
		return "no_such_home"
	case errors.Is(err, ErrNotShared):
		return "not_shared"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrCrossWorldDisabled):
		return "cross_world_disabled"
	case errors.Is(err, ErrOnCooldown):
		return "on_cooldown"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrNoPermission):
		return "no_permission"
	case errors.Is(err, ErrNoSafeLocation):
		return "no_safe_location"
	case errors.Is(err, ErrMoveFailed):
		return "teleport_failed"
	case errors.Is(err, ErrNoLocation):
		return "no_location"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrIO):
		return "io_error"
	default:
		return "internal"
	}
}
