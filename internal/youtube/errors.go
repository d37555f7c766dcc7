package youtube

import (
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"

	"printcast/internal/polling"
)

var (
	// ErrNoToken is returned when no stored authorization token exists and
	// there are no credentials to bootstrap one.
	ErrNoToken = errors.New("no stored authorization token")

	// ErrAuthRevoked is returned when the platform rejects our credentials.
	ErrAuthRevoked = errors.New("authorization revoked")

	// ErrQuotaExceeded is returned when the per-day API budget is exhausted.
	ErrQuotaExceeded = errors.New("api quota exceeded")

	// ErrNotFound is returned when the target resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidTransition is returned when the broadcast is not in the state
	// required by the requested transition.
	ErrInvalidTransition = errors.New("broadcast not in required state")

	// ErrDuplicateBroadcast is returned when the platform reports a
	// conflicting existing broadcast.
	ErrDuplicateBroadcast = errors.New("conflicting existing broadcast")
)

// classify maps a platform error to the controller's error contract:
// quota and auth failures and not-found are terminal sentinels, rate limits
// and server errors are transient (retried by the polling manager).
func classify(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case hasReason(gerr, "quotaExceeded", "dailyLimitExceeded"):
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		case hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded"):
			return polling.Transient(err)
		case gerr.Code == 401 || gerr.Code == 403:
			return fmt.Errorf("%w: %v", ErrAuthRevoked, err)
		case gerr.Code == 404:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case gerr.Code == 409:
			return fmt.Errorf("%w: %v", ErrDuplicateBroadcast, err)
		case gerr.Code == 429 || gerr.Code >= 500:
			return polling.Transient(err)
		}
		return err
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return polling.Transient(err)
	}
	return err
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
