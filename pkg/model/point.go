package model

import "fmt"

// Point is a single row destined for one table: a timestamp plus a set of
// tag columns and field columns. Tag/field key disjointness across a table's
// lifetime is not enforced here -- the server is the source of truth for
// schema.
type Point struct {
	Table     string
	Timestamp int64 // milliseconds since epoch
	Tags      map[string]Value
	Fields    map[string]Value
}

// PointsBuilder builds one point for a single table. It mirrors the
// row-at-a-time construction pattern used by the ingest line-protocol and
// msgpack decoders, but for the client's outgoing path.
type PointsBuilder struct {
	table     string
	timestamp int64
	hasTS     bool
	tags      map[string]Value
	fields    map[string]Value
	err       error
}

// NewPointsBuilder starts building a point for table.
func NewPointsBuilder(table string) *PointsBuilder {
	return &PointsBuilder{
		table:  table,
		tags:   make(map[string]Value),
		fields: make(map[string]Value),
	}
}

func (b *PointsBuilder) SetTimestamp(ms int64) *PointsBuilder {
	b.timestamp = ms
	b.hasTS = true
	return b
}

func (b *PointsBuilder) AddTag(key string, value string) *PointsBuilder {
	if b.err != nil {
		return b
	}
	if key == "" {
		b.err = fmt.Errorf("point: empty tag key")
		return b
	}
	b.tags[key] = StringValue(value)
	return b
}

func (b *PointsBuilder) AddField(key string, value Value) *PointsBuilder {
	if b.err != nil {
		return b
	}
	if key == "" {
		b.err = fmt.Errorf("point: empty field key")
		return b
	}
	b.fields[key] = value
	return b
}

// Build validates and returns the accumulated Point. The timestamp is
// required per the data model invariant in spec.md 3.
func (b *PointsBuilder) Build() (Point, error) {
	if b.err != nil {
		return Point{}, b.err
	}
	if b.table == "" {
		return Point{}, fmt.Errorf("point: table name is required")
	}
	if !b.hasTS {
		return Point{}, fmt.Errorf("point: timestamp is required for table %q", b.table)
	}
	return Point{
		Table:     b.table,
		Timestamp: b.timestamp,
		Tags:      b.tags,
		Fields:    b.fields,
	}, nil
}

// WriteRequest is an ordered, non-empty-in-the-normal-path sequence of
// points. An empty request is valid and yields WriteOk{0, 0}.
type WriteRequest struct {
	Points []Point
}

// NewWriteRequest builds a WriteRequest from points, preserving order.
func NewWriteRequest(points ...Point) WriteRequest {
	return WriteRequest{Points: points}
}

// Tables returns the distinct set of table names referenced by the request,
// in first-seen order (used by the router to build its miss set).
func (w WriteRequest) Tables() []string {
	seen := make(map[string]struct{}, len(w.Points))
	var out []string
	for _, p := range w.Points {
		if _, ok := seen[p.Table]; ok {
			continue
		}
		seen[p.Table] = struct{}{}
		out = append(out, p.Table)
	}
	return out
}

// WriteOk is the additive-combinable result of a (possibly fanned-out)
// write. Tables is populated only when detail collection is enabled.
type WriteOk struct {
	Success uint64
	Failed  uint64
	Tables  map[string]struct{}
}

// Combine merges another WriteOk into a new one. Combine is associative and
// commutative on (Success, Failed); Tables is unioned.
func (w WriteOk) Combine(other WriteOk) WriteOk {
	out := WriteOk{
		Success: w.Success + other.Success,
		Failed:  w.Failed + other.Failed,
	}
	if w.Tables != nil || other.Tables != nil {
		out.Tables = make(map[string]struct{}, len(w.Tables)+len(other.Tables))
		for t := range w.Tables {
			out.Tables[t] = struct{}{}
		}
		for t := range other.Tables {
			out.Tables[t] = struct{}{}
		}
	}
	return out
}
