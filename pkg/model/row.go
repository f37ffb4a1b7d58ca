package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Row is an ordered set of named columns. Column lookup by name is
// case-sensitive, matching spec.md's data model.
type Row struct {
	names  []string
	values []Value
	index  map[string]int
}

// NewRow builds a Row from parallel name/value slices, preserving order.
func NewRow(names []string, values []Value) Row {
	if len(names) != len(values) {
		panic("model: row names/values length mismatch")
	}
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	return Row{names: names, values: values, index: idx}
}

func (r Row) Len() int { return len(r.names) }

func (r Row) ColumnName(i int) string { return r.names[i] }

func (r Row) ColumnValue(i int) Value { return r.values[i] }

// Get looks up a column by name. The bool is false when the column is
// absent, distinguishing "not present" from a present Null value.
func (r Row) Get(name string) (Value, bool) {
	i, ok := r.index[name]
	if !ok {
		return Value{}, false
	}
	return r.values[i], true
}

// SqlQueryRequest describes a SQL statement to execute. If Tables is
// non-empty it is authoritative for routing purposes; otherwise the router
// extracts table names from Sql via its own scanner (see internal/dispatch).
type SqlQueryRequest struct {
	Database string
	Sql      string
	Tables   []string
}

// ErrRowTimeout is surfaced by a streaming RowIterator's HasNext/Next when
// no row and no end-of-stream arrives within its configured timeout.
var ErrRowTimeout = errors.New("model: timed out waiting for next row")

// RowEnvelope is what a streaming RowIterator's feeder goroutine pushes
// onto its channel: exactly one of Row or Err is meaningful. Closing the
// channel with no trailing error envelope signals clean end-of-stream.
type RowEnvelope struct {
	Row Row
	Err error
}

// RowIterator is a single-pass pull iterator over query rows, matching the
// pull-iterator shape blockingStreamSqlQuery exposes for server-streaming
// queries. It has two backing modes: a plain slice for a unary query's
// SqlQueryOk.Stream(), and a bounded channel fed by a background goroutine
// for QueryDispatcher.StreamQuery, so a caller can start consuming rows
// before the whole result set has arrived.
type RowIterator struct {
	rows []Row
	pos  int
	err  error

	ch      <-chan RowEnvelope
	timeout time.Duration
	closeFn func() error
	closed  bool
	pending *RowEnvelope
}

func NewRowIterator(rows []Row) *RowIterator {
	return &RowIterator{rows: rows}
}

// NewStreamingRowIterator returns a RowIterator backed by a channel of the
// given buffer size, plus the send end for the caller's feeder goroutine to
// push RowEnvelopes onto. timeout bounds how long HasNext blocks waiting
// for the next envelope; closeFn (may be nil) releases the underlying
// stream and is called at most once, the first time the iterator reaches a
// terminal state.
func NewStreamingRowIterator(bufferSize int, timeout time.Duration, closeFn func() error) (*RowIterator, chan<- RowEnvelope) {
	ch := make(chan RowEnvelope, bufferSize)
	return &RowIterator{ch: ch, timeout: timeout, closeFn: closeFn}, ch
}

// HasNext reports whether another row is available, blocking up to the
// iterator's configured timeout in streaming mode. If the iterator has hit
// a terminal error (from Fail, a failed stream, or a timeout) it is
// surfaced here and by the next Next call.
func (it *RowIterator) HasNext() bool {
	if it.ch == nil {
		return it.err == nil && it.pos < len(it.rows)
	}
	if it.err != nil {
		return false
	}
	if it.pending != nil {
		return true
	}
	env, ok := it.recv()
	if !ok {
		it.finish(nil)
		return false
	}
	if env.Err != nil {
		it.finish(env.Err)
		return false
	}
	it.pending = &env
	return true
}

func (it *RowIterator) Next() (Row, error) {
	if it.ch == nil {
		if it.err != nil {
			return Row{}, it.err
		}
		if it.pos >= len(it.rows) {
			return Row{}, io.EOF
		}
		row := it.rows[it.pos]
		it.pos++
		return row, nil
	}

	if it.pending == nil && !it.HasNext() {
		if it.err != nil {
			return Row{}, it.err
		}
		return Row{}, io.EOF
	}
	row := it.pending.Row
	it.pending = nil
	return row, nil
}

// recv waits for the next envelope up to the iterator's timeout. The bool
// is false on a closed channel (clean end-of-stream) or on timeout; a
// timed-out wait is distinguished from end-of-stream by it.err being nil
// vs ErrRowTimeout after finish is called by the caller.
func (it *RowIterator) recv() (RowEnvelope, bool) {
	if it.timeout <= 0 {
		env, ok := <-it.ch
		return env, ok
	}
	timer := time.NewTimer(it.timeout)
	defer timer.Stop()
	select {
	case env, ok := <-it.ch:
		if !ok {
			return RowEnvelope{}, false
		}
		return env, true
	case <-timer.C:
		it.err = ErrRowTimeout
		return RowEnvelope{}, false
	}
}

// finish marks the streaming iterator terminally done, releasing the
// underlying stream at most once. err is nil for clean end-of-stream (it.err
// may already be set to ErrRowTimeout by recv, which finish must not clobber).
func (it *RowIterator) finish(err error) {
	if it.closed {
		return
	}
	it.closed = true
	if err != nil {
		it.err = err
	}
	if it.closeFn != nil {
		_ = it.closeFn()
	}
}

// Fail marks the iterator as terminally errored; subsequent HasNext/Next
// calls surface err, matching "On RPC error the iterator surfaces the error
// on the next hasNext/next call" from spec.md 4.4.
func (it *RowIterator) Fail(err error) {
	it.err = err
}

// SqlQueryOk is the result of a unary SQL query: a finite set of decoded
// rows plus a lazy, single-pass stream view over the same data.
type SqlQueryOk struct {
	RowCount int
	Rows     []Row
}

func (r SqlQueryOk) Stream() *RowIterator {
	return NewRowIterator(r.Rows)
}

// DecodeArrowIPC decodes a columnar Arrow IPC stream into Rows. This is the
// wire format SqlQueryResponse carries its row batches in (spec.md 6).
func DecodeArrowIPC(r io.Reader) (SqlQueryOk, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return SqlQueryOk{}, fmt.Errorf("model: open arrow ipc stream: %w", err)
	}
	defer reader.Release()

	schema := reader.Schema()
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}

	var rows []Row
	for reader.Next() {
		rec := reader.Record()
		numRows := int(rec.NumRows())
		numCols := int(rec.NumCols())
		values := make([][]Value, numCols)
		for c := 0; c < numCols; c++ {
			col, err := decodeColumn(rec.Column(c))
			if err != nil {
				return SqlQueryOk{}, fmt.Errorf("model: decode column %q: %w", names[c], err)
			}
			values[c] = col
		}
		for i := 0; i < numRows; i++ {
			rowValues := make([]Value, numCols)
			for c := 0; c < numCols; c++ {
				rowValues[c] = values[c][i]
			}
			rows = append(rows, NewRow(append([]string(nil), names...), rowValues))
		}
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return SqlQueryOk{}, fmt.Errorf("model: read arrow ipc stream: %w", err)
	}

	return SqlQueryOk{RowCount: len(rows), Rows: rows}, nil
}

// decodeColumn converts one Arrow array into the client's Value type,
// covering the variants Value supports (spec.md 3.1).
func decodeColumn(col arrow.Array) ([]Value, error) {
	n := col.Len()
	out := make([]Value, n)

	switch typed := col.(type) {
	case *array.Boolean:
		for i := 0; i < n; i++ {
			if typed.IsNull(i) {
				continue
			}
			out[i] = BoolValue(typed.Value(i))
		}
	case *array.Int8:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Int8Value(typed.Value(i))
			}
		}
	case *array.Int16:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Int16Value(typed.Value(i))
			}
		}
	case *array.Int32:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Int32Value(typed.Value(i))
			}
		}
	case *array.Int64:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Int64Value(typed.Value(i))
			}
		}
	case *array.Uint8:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Uint8Value(typed.Value(i))
			}
		}
	case *array.Uint16:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Uint16Value(typed.Value(i))
			}
		}
	case *array.Uint32:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Uint32Value(typed.Value(i))
			}
		}
	case *array.Uint64:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Uint64Value(typed.Value(i))
			}
		}
	case *array.Float32:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Float32Value(typed.Value(i))
			}
		}
	case *array.Float64:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = Float64Value(typed.Value(i))
			}
		}
	case *array.String:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				out[i] = StringValue(typed.Value(i))
			}
		}
	case *array.Binary:
		for i := 0; i < n; i++ {
			if !typed.IsNull(i) {
				b := typed.Value(i)
				cp := append([]byte(nil), b...)
				out[i] = VarbinaryValue(cp)
			}
		}
	case *array.Timestamp:
		for i := 0; i < n; i++ {
			if typed.IsNull(i) {
				continue
			}
			out[i] = TimestampValue(int64(typed.Value(i)))
		}
	default:
		return nil, fmt.Errorf("unsupported arrow column type %s", col.DataType())
	}

	for i := 0; i < n; i++ {
		if col.IsNull(i) {
			out[i] = NullValue()
		}
	}
	return out, nil
}
