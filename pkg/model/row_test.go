package model

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowGetByName(t *testing.T) {
	row := NewRow([]string{"host", "usage"}, []Value{StringValue("db-1"), Float64Value(0.9)})

	v, ok := row.Get("usage")
	require.True(t, ok)
	f, _ := v.Float64()
	assert.InDelta(t, 0.9, f, 1e-9)

	_, ok = row.Get("missing")
	assert.False(t, ok)
}

func TestRowIteratorHasNextNext(t *testing.T) {
	rows := []Row{
		NewRow([]string{"a"}, []Value{Int64Value(1)}),
		NewRow([]string{"a"}, []Value{Int64Value(2)}),
	}
	it := NewRowIterator(rows)

	require.True(t, it.HasNext())
	r1, err := it.Next()
	require.NoError(t, err)
	v, _ := r1.Get("a")
	got, _ := v.Int64()
	assert.Equal(t, int64(1), got)

	require.True(t, it.HasNext())
	_, err = it.Next()
	require.NoError(t, err)

	assert.False(t, it.HasNext())
	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRowIteratorSurfacesFailOnNextCall(t *testing.T) {
	it := NewRowIterator(nil)
	boom := assert.AnError
	it.Fail(boom)

	assert.False(t, it.HasNext())
	_, err := it.Next()
	assert.ErrorIs(t, err, boom)
}
