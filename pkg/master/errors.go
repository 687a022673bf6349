package master

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// AccessDeniedError indicates the caller lacks rights to view or mutate the
// target. It is always fatal to the request; callers must not catch it and
// continue.
type AccessDeniedError struct {
	User   UserID
	Action string
	Target string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: user %q is not allowed to %s %q", e.User, e.Action, e.Target)
}

// IsAccessDenied checks if an error is an access denied error.
func IsAccessDenied(err error) bool {
	var ade *AccessDeniedError
	return errors.As(err, &ade)
}

// IntegrityError indicates a precondition enforced by the application beyond
// the schema was violated: dependent resources still present, a port
// collision, an unapproved package definition, the tree depth bound, and so
// on. The message names the entity and the rule violated.
type IntegrityError struct {
	Entity string
	Rule   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: %s", e.Entity, e.Rule)
}

// IsIntegrity checks if an error is an integrity violation.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// InvalidStateError indicates an operation on an entity in the wrong state,
// such as disabling an already-disabled package.
type InvalidStateError struct {
	Entity string
	State  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is %s", e.Entity, e.State)
}

// IsInvalidState checks if an error is an invalid state error.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// HostUnavailableError indicates a daemon RPC connectivity failure. The
// affected host is marked down for a cooldown so subsequent calls fail fast.
type HostUnavailableError struct {
	Host HostID
	Err  error
}

func (e *HostUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host %d unavailable: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("host %d unavailable", e.Host)
}

func (e *HostUnavailableError) Unwrap() error { return e.Err }

// IsHostUnavailable checks if an error is a host unavailable error.
func IsHostUnavailable(err error) bool {
	var hue *HostUnavailableError
	return errors.As(err, &hue)
}

// LockTimeoutError indicates a bounded wait on a shared resource lock
// expired. It is surfaced distinctly from HostUnavailableError.
type LockTimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s", e.Timeout, e.Resource)
}

// IsLockTimeout checks if an error is a lock timeout error.
func IsLockTimeout(err error) bool {
	var lte *LockTimeoutError
	return errors.As(err, &lte)
}
