package pull

import (
	"context"
	"errors"
	"net"
)

// TransientError marks a failure whose resolution is to retry the same
// work on a future pull. The sequence of a transiently failed revision
// stays in the missing set, so it is requested again next time.
type TransientError struct {
	Err error
}

func (self *TransientError) Error() string {
	return self.Err.Error()
}

func (self *TransientError) Unwrap() error {
	return self.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transientError *TransientError
	if errors.As(err, &transientError) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netError net.Error
	if errors.As(err, &netError) && netError.Timeout() {
		return true
	}
	return false
}
