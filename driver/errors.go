package driver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"s7gate/s7"
)

var (
	ErrNotActive   = errors.New("driver not active")
	ErrBusy        = errors.New("driver busy")
	ErrTimeout     = errors.New("driver timeout")
	ErrUnknownArea = errors.New("unknown area")
	ErrLength      = errors.New("length mismatch")
	ErrUnsupported = errors.New("not supported by transport")
)

// TimeoutError reports a transport operation that exceeded the driver timeout.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %v", e.Op, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsLikelyConnectionError checks if an error indicates a connection problem
// rather than a rejected request (e.g. an address outside the DB).
func IsLikelyConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, s7.ErrNotConnected) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
