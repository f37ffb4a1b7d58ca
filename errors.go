package tsdbclient

import (
	"errors"

	"github.com/basekick-labs/tsdbclient/pkg/errs"
)

// Code and Err are re-exported from pkg/errs so the public API reads as
// tsdbclient.Code / tsdbclient.Err, even though the internal router,
// dispatch, and stream packages construct them without depending on this
// package (which would otherwise create an import cycle, since this
// package depends on them).
type Code = errs.Code
type Err = errs.Err

const (
	CodeUnknown             = errs.CodeUnknown
	CodeInvalidRoute        = errs.CodeInvalidRoute
	CodeFlowControl         = errs.CodeFlowControl
	CodeUnavailable         = errs.CodeUnavailable
	CodeInternal            = errs.CodeInternal
	CodeServerError         = errs.CodeServerError
	CodeBadRequest          = errs.CodeBadRequest
	CodeStreamTooLarge      = errs.CodeStreamTooLarge
	CodeShouldRetry         = errs.CodeShouldRetry
	CodeClientState         = errs.CodeClientState
	CodeRouteTableException = errs.CodeRouteTableException
	CodeQueryException      = errs.CodeQueryException
)

// AsErr unwraps err into an *Err if possible.
func AsErr(err error) (*Err, bool) { return errs.As(err) }

// Fatal programming errors. Per spec.md 7, these are surfaced at the call
// site rather than wrapped in the Err result type.
var (
	// ErrNotInitialized is raised by any operation attempted before init.
	ErrNotInitialized = errors.New("tsdbclient: client not initialized")
	// ErrAlreadyInitialized is raised by a second call to init on the same client.
	ErrAlreadyInitialized = errors.New("tsdbclient: client already initialized")
	// ErrShutdown is raised by any operation attempted after shutdownGracefully.
	ErrShutdown = errors.New("tsdbclient: client is shut down")
)

// ErrStreamClosed is raised when writing to a StreamWriter after
// Completed has fully closed it. Defined in pkg/errs and re-exported here
// for the same reason Code/Err are: internal/stream returns it directly and
// cannot import this package without a cycle.
var ErrStreamClosed = errs.ErrStreamClosed
