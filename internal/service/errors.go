package service

import (
	"errors"
)

var (
	// ErrNotPermitted is matched by every NotPermittedError.
	ErrNotPermitted = errors.New("not permitted")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrAccountNotFound = errors.New("account not found")
	ErrStageTooLow     = errors.New("engagement stage below minimum")
	ErrAlreadyActive   = errors.New("an active conversation already exists between these accounts")
	ErrComposeFailed   = errors.New("message composition failed")
	ErrTransport       = errors.New("transport failed")

	ErrGroupCeiling   = errors.New("active group ceiling reached")
	ErrGroupNotActive = errors.New("group is not active")
	ErrGroupFull      = errors.New("group is full")
)

// NotPermittedError carries the reason an action was refused.
type NotPermittedError struct {
	Reason string
}

func (e *NotPermittedError) Error() string {
	return "not permitted: " + e.Reason
}

// Is makes errors.Is(err, ErrNotPermitted) hold.
func (e *NotPermittedError) Is(target error) bool {
	return target == ErrNotPermitted
}

// Reason extracts the refusal reason from err, or "".
func Reason(err error) string {
	var npe *NotPermittedError
	if errors.As(err, &npe) {
		return npe.Reason
	}
	return ""
}
