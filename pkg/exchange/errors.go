package exchange

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/speedrun-hq/speedrun-dca/pkg/retry"
)

// RemoteError is a non-2xx answer from the exchange
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("exchange error (%d): %s", e.Status, e.Message)
}

// Transient reports whether the same request may succeed later
func (e *RemoteError) Transient() bool {
	return e.Status >= http.StatusInternalServerError ||
		e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout
}

// IsTransient classifies an exchange error, returning whether it should be
// retried and an error type for logs and metric labels
func IsTransient(err error) (bool, string) {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		switch {
		case remoteErr.Status == http.StatusTooManyRequests:
			return true, "rate_limited"
		case remoteErr.Transient():
			return true, "remote_unavailable"
		default:
			return false, "remote_rejected"
		}
	}
	return retry.ClassifyError(err)
}

// IsNotFound reports whether the exchange answered that the resource does
// not exist
func IsNotFound(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Status == http.StatusNotFound
}
