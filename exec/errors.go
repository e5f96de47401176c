package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// TimeoutError marks an attempt that ran past the per-call timeout.
type TimeoutError struct {
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s: %v", e.After, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ThrottledError is returned when the rate limiter cannot grant a slot before
// the caller's deadline. Waiting again would not help.
type ThrottledError struct {
	Err error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// Kind is the retry classification of an error.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	}
	return "fatal"
}

// JSON-RPC codes that mean "node busy or behind", not "bad request".
var transientRPCCodes = map[int]bool{
	-32005: true, // node unhealthy / rate limited
	-32004: true, // block not available
	-32014: true, // status not yet available
}

// Classify decides whether err should be retried.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return KindTransient
	}
	var th *ThrottledError
	if errors.As(err, &th) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}

	var he rpc.HTTPError
	if errors.As(err, &he) {
		return classifyStatus(he.StatusCode)
	}

	var re rpc.Error
	if errors.As(err, &re) {
		if transientRPCCodes[re.ErrorCode()] {
			return KindTransient
		}
		return KindRejected
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}

	return KindFatal
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return KindTransient
	case code >= 400:
		return KindRejected
	}
	return KindFatal
}
