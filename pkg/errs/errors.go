// Package errs holds the error taxonomy from spec.md 7. It is a leaf
// package (depends only on pkg/model) so both the root client package and
// the internal dispatch/router/stream packages can construct and inspect
// Err values without an import cycle.
package errs

import (
	"errors"
	"fmt"

	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// Code enumerates the error taxonomy from spec.md 7. It is a server- or
// client-classified kind, not a Go error type -- most call sites care
// whether a Code is Retriable, not which one it is.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidRoute
	CodeFlowControl
	CodeUnavailable
	CodeInternal
	CodeServerError
	CodeBadRequest
	CodeStreamTooLarge
	CodeShouldRetry
	CodeClientState
	CodeRouteTableException
	CodeQueryException
)

func (c Code) String() string {
	switch c {
	case CodeInvalidRoute:
		return "INVALID_ROUTE"
	case CodeFlowControl:
		return "FLOW_CONTROL"
	case CodeUnavailable:
		return "UNAVAILABLE"
	case CodeInternal:
		return "INTERNAL"
	case CodeServerError:
		return "SERVER_ERROR"
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeStreamTooLarge:
		return "STREAM_TOO_LARGE"
	case CodeShouldRetry:
		return "SHOULD_RETRY"
	case CodeClientState:
		return "CLIENT_STATE"
	case CodeRouteTableException:
		return "ROUTE_TABLE_EXCEPTION"
	case CodeQueryException:
		return "QUERY_EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// Retriable reports whether this code is in the general retriable set
// (spec.md 7: INVALID_ROUTE, FLOW_CONTROL, UNAVAILABLE, SHOULD_RETRY), which
// the query dispatcher retries on. The write dispatcher retries only on the
// narrower INVALID_ROUTE/FLOW_CONTROL subset.
func (c Code) Retriable() bool {
	switch c {
	case CodeInvalidRoute, CodeFlowControl, CodeUnavailable, CodeShouldRetry:
		return true
	default:
		return false
	}
}

// Err is the terminal, user-visible failure variant. It carries enough
// context for a caller to retry manually or report the failure precisely.
type Err struct {
	Code     Code
	Message  string
	Endpoint model.Endpoint
	// Failed is the subset of points that did not receive a successful
	// response; nil for query errors.
	Failed []model.Point
	// Request is the original request that produced this error, kept for
	// diagnostics. It is opaque to this package (either a WriteRequest or a
	// SqlQueryRequest).
	Request any
	Cause   error
}

func (e *Err) Error() string {
	if !e.Endpoint.IsZero() {
		return fmt.Sprintf("tsdbclient: %s: %s (%s)", e.Code, e.Message, e.Endpoint)
	}
	return fmt.Sprintf("tsdbclient: %s: %s", e.Code, e.Message)
}

func (e *Err) Unwrap() error { return e.Cause }

func (e *Err) Retriable() bool { return e.Code.Retriable() }

// New builds an Err. cause may be nil.
func New(code Code, message string, endpoint model.Endpoint, failed []model.Point, request any, cause error) *Err {
	return &Err{
		Code:     code,
		Message:  message,
		Endpoint: endpoint,
		Failed:   failed,
		Request:  request,
		Cause:    cause,
	}
}

// ErrStreamClosed is returned by StreamWriter.Write when called after
// Completed has fully closed the stream. It lives here, rather than on the
// root package, so internal/stream can return it directly without an
// import cycle (the root package depends on internal/stream, not the
// reverse); the root package re-exports it as tsdbclient.ErrStreamClosed.
var ErrStreamClosed = errors.New("tsdbclient: stream writer is closed")

// As unwraps err into an *Err if possible.
func As(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
