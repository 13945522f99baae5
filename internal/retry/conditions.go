package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// transientErrs are failures a backend connection produces when it was
// closed or reset underneath a request.
var transientErrs = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	io.EOF,
	io.ErrUnexpectedEOF,
}

// IsNetworkError reports whether err came from the backend connection
// rather than from the request itself. Cancellation never counts.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if IsTimeout(err) {
		return true
	}
	for _, target := range transientErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err is a deadline or an I/O timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
