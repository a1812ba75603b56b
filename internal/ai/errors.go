package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse is returned when the endpoint reply cannot be turned into detections
	ErrMalformedResponse = errors.New("malformed inference response")

	// ErrBusy is returned by Submit when the in-flight limit is reached
	ErrBusy = errors.New("inference client busy")
)

// TransportError covers connection failures, timeouts and non-2xx replies
type TransportError struct {
	StatusCode int    // 0 when no response was received
	Body       string // truncated response body for non-2xx replies
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference endpoint returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("inference request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
