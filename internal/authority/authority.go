// Package authority checks an account's live permission with the external
// authority service before anything is sent on its behalf.
package authority

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
	"github.com/capitalize-ai/social-scheduler/pkg/metrics"
)

// Status is the authority service's status code for an account.
type Status int

// StatusPermitted is the only status that allows outbound actions.
const StatusPermitted Status = 0

// ErrNotFound is returned when the authority service does not know the account.
var ErrNotFound = errors.New("authority: account not found")

// TransientError wraps a failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("authority: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient authority failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Service returns the current status of an account by its authority identifier.
type Service interface {
	Status(ctx context.Context, identifier string) (Status, error)
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Status  Status
	Err     error
}

// Reason returns the reason fragment used in end reasons and logs:
// status_<n> for a denial by status, status_check_failed for an error.
func (d Decision) Reason() string {
	if d.Err != nil {
		return "status_check_failed"
	}
	return fmt.Sprintf("status_%d", d.Status)
}

// Denied builds a failed decision from a local error, such as a missing account record.
func Denied(err error) Decision {
	return Decision{Err: err}
}

// Gate performs fail-closed permission checks. It never caches.
type Gate struct {
	svc Service
	log *logger.Logger
}

// NewGate creates a gate over svc.
func NewGate(svc Service, log *logger.Logger) *Gate {
	return &Gate{svc: svc, log: log.Named("authority")}
}

// Check fetches the live status of acct.
func (g *Gate) Check(ctx context.Context, acct *model.Account) (Status, error) {
	identifier := acct.Identifier
	if identifier == "" {
		identifier = acct.ID
	}
	return g.svc.Status(ctx, identifier)
}

// Permitted returns an allowed decision only when the fresh status is
// StatusPermitted. Every error denies.
func (g *Gate) Permitted(ctx context.Context, acct *model.Account) Decision {
	status, err := g.Check(ctx, acct)
	switch {
	case err != nil:
		metrics.RecordAuthorityCheck("error")
		g.log.Warn("status check failed",
			zap.String("account_id", acct.ID),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		)
		return Decision{Status: status, Err: err}
	case status != StatusPermitted:
		metrics.RecordAuthorityCheck("denied")
		g.log.Info("account not permitted",
			zap.String("account_id", acct.ID),
			zap.Int("status", int(status)),
		)
		return Decision{Status: status}
	default:
		metrics.RecordAuthorityCheck("permitted")
		return Decision{Allowed: true, Status: status}
	}
}
