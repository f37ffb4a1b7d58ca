package rpc

import "github.com/basekick-labs/tsdbclient/pkg/model"

// StatusCode is the server's wire-level status code, distinct from the
// client-side Code taxonomy in the root package: this is what actually
// travels on the wire inside a Header; the root package's Code is derived
// from it (see internal/dispatch's classify helper).
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusInvalidRoute
	StatusFlowControl
	StatusUnavailable
	StatusInternal
	StatusServerError
	StatusBadRequest
	StatusStreamTooLarge
	StatusShouldRetry
)

// Header is the common response envelope every unary/streaming response
// carries, per spec.md 6.
type Header struct {
	Code StatusCode
	Msg  string
}

func (h Header) Ok() bool { return h.Code == StatusOK }

// RouteRequest asks the cluster address to resolve a batch of tables.
type RouteRequest struct {
	Context model.RequestContext
	Tables  []string
}

// EndpointPB is the wire shape of model.Endpoint (kept distinct from the
// model type so decoding failures can't corrupt client-side Route state).
type EndpointPB struct {
	IP   string
	Port uint16
}

// RouteEntry is one table -> endpoint mapping in a RouteResponse.
type RouteEntry struct {
	Table    string
	Endpoint EndpointPB
}

type RouteResponse struct {
	Header Header
	Routes []RouteEntry
}

// WriteRequest is the wire shape of a batch of points destined for one
// endpoint. Points are pre-partitioned by the dispatcher before this
// message is built.
type WriteRequest struct {
	Context model.RequestContext
	Points  []model.Point
}

type WriteResponse struct {
	Header  Header
	Success uint64
	Failed  uint64
	// FailedPoints is populated by servers new enough to report exactly
	// which points failed; when absent the dispatcher must treat the whole
	// sub-batch as the failed subset.
	FailedPoints []model.Point
}

// SqlQueryRequest is the wire shape of a SQL statement plus the resolved
// table list the dispatcher pinned it to.
type SqlQueryRequest struct {
	Context model.RequestContext
	Tables  []string
	Sql     string
}

// SqlQueryResponse carries the header plus a columnar row batch encoded as
// an Arrow IPC stream (spec.md 6: "rows encoded via a columnar format such
// as Arrow IPC").
type SqlQueryResponse struct {
	Header      Header
	ArrowIPC    []byte
	RowCount    int
}
