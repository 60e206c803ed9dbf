package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.manifest.sqlite")
	scheme := NewScheme().
		AddExactMatch("stream_id").
		AddRangeMatch("timestamp").
		AddDataField("provenance")
	ix, err := Create(path, scheme)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestSchemeFreezesOnFirstEntry(t *testing.T) {
	ix := newTestIndex(t)

	// Mutable before the first entry.
	require.NoError(t, ix.AddExactMatch("wafer"))

	err := ix.AddEntry(map[string]any{
		"stream_id": "ufm_mv1",
		"wafer":     "w07",
		"timestamp": Span{Lo: 0, Hi: 100},
	}, Locator{Filename: "cal_0.h5"}, false)
	require.NoError(t, err)

	err = ix.AddExactMatch("late")
	assert.ErrorIs(t, err, ErrSchemaFrozen)
	err = ix.AddRangeMatch("late")
	assert.ErrorIs(t, err, ErrSchemaFrozen)
}

func TestAddEntryValidation(t *testing.T) {
	ix := newTestIndex(t)

	// Missing range field.
	err := ix.AddEntry(map[string]any{"stream_id": "s"}, Locator{Filename: "f"}, false)
	assert.Error(t, err)

	// Unknown field.
	err = ix.AddEntry(map[string]any{
		"stream_id": "s",
		"timestamp": Span{0, 1},
		"bogus":     1,
	}, Locator{Filename: "f"}, false)
	assert.Error(t, err)

	// Empty span.
	err = ix.AddEntry(map[string]any{
		"stream_id": "s",
		"timestamp": Span{Lo: 5, Hi: 5},
	}, Locator{Filename: "f"}, false)
	assert.Error(t, err)

	// Empty locator.
	err = ix.AddEntry(map[string]any{
		"stream_id": "s",
		"timestamp": Span{0, 1},
	}, Locator{}, false)
	assert.Error(t, err)
}

func TestQueryOverlappingRanges(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.AddEntry(map[string]any{
		"stream_id": "ufm_mv1",
		"timestamp": Span{Lo: 0, Hi: 100},
	}, Locator{Filename: "wide.h5"}, false))
	require.NoError(t, ix.AddEntry(map[string]any{
		"stream_id": "ufm_mv1",
		"timestamp": Span{Lo: 50, Hi: 150},
	}, Locator{Filename: "late.h5", Dataset: "cal/g0"}, false))

	got, err := ix.Query(map[string]any{"stream_id": "ufm_mv1", "timestamp": 75}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Equal widths: recency decides.
	assert.Equal(t, "late.h5", got[0].Filename)
	assert.Equal(t, "cal/g0", got[0].Dataset)
	assert.Equal(t, "wide.h5", got[1].Filename)

	// Outside every range.
	got, err = ix.Query(map[string]any{"stream_id": "ufm_mv1", "timestamp": 200}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Different stream.
	got, err = ix.Query(map[string]any{"stream_id": "ufm_mv2", "timestamp": 75}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryNarrowerRangeWins(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.AddEntry(map[string]any{
		"stream_id": "s",
		"timestamp": Span{Lo: 0, Hi: 1000},
	}, Locator{Filename: "coarse.h5"}, false))
	require.NoError(t, ix.AddEntry(map[string]any{
		"stream_id": "s",
		"timestamp": Span{Lo: 60, Hi: 80},
	}, Locator{Filename: "fine.h5"}, false))

	got, err := ix.Query(map[string]any{"stream_id": "s", "timestamp": 70}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fine.h5", got[0].Filename)
	assert.Equal(t, "coarse.h5", got[1].Filename)
}

func TestDuplicateAndReplace(t *testing.T) {
	ix := newTestIndex(t)

	keys := map[string]any{
		"stream_id": "s",
		"timestamp": Span{Lo: 0, Hi: 10},
	}
	require.NoError(t, ix.AddEntry(keys, Locator{Filename: "v1.h5"}, false))

	err := ix.AddEntry(keys, Locator{Filename: "v2.h5"}, false)
	require.ErrorIs(t, err, ErrDuplicateEntry)

	require.NoError(t, ix.AddEntry(keys, Locator{Filename: "v2.h5"}, true))

	got, err := ix.Query(map[string]any{"stream_id": "s", "timestamp": 5}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2.h5", got[0].Filename)

	// The superseded row is kept for audit.
	live, err := ix.Count(false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)
	all, err := ix.Count(true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), all)
}

func TestDataFieldPayloadAndTags(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.AddEntry(map[string]any{
		"stream_id":  "s",
		"timestamp":  Span{Lo: 0, Hi: 10},
		"provenance": "nominal",
	}, Locator{Filename: "a.h5"}, false))
	require.NoError(t, ix.AddEntry(map[string]any{
		"stream_id":  "s",
		"timestamp":  Span{Lo: 2, Hi: 8},
		"provenance": "reprocessed",
	}, Locator{Filename: "b.h5"}, false))

	got, err := ix.Query(map[string]any{"stream_id": "s", "timestamp": 5}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reprocessed", got[0].Extra["provenance"])

	got, err = ix.Query(map[string]any{"stream_id": "s", "timestamp": 5},
		map[string]any{"provenance": "nominal"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a.h5", got[0].Filename)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.sqlite")
	scheme := NewScheme().AddExactMatch("obs_id").AddRangeMatch("t")
	ix, err := Create(path, scheme)
	require.NoError(t, err)
	require.NoError(t, ix.AddEntry(map[string]any{
		"obs_id": "obs_0001",
		"t":      Span{Lo: 100, Hi: 200},
	}, Locator{Filename: "focal.h5"}, false))
	require.NoError(t, ix.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer func() { _ = ro.Close() }()

	fields := ro.Scheme().Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, KindExact, fields[0].Kind)
	assert.Equal(t, KindRange, fields[1].Kind)

	got, err := ro.Query(map[string]any{"obs_id": "obs_0001", "t": 150}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "focal.h5", got[0].Filename)

	// Writes are rejected.
	err = ro.AddEntry(map[string]any{"obs_id": "x", "t": Span{0, 1}}, Locator{Filename: "f"}, false)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.AddDataField("d"), ErrReadOnly)
}

func TestCreateRefusesExistingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "once.sqlite")
	scheme := NewScheme().AddExactMatch("obs_id").AddRangeMatch("t")
	ix, err := Create(path, scheme)
	require.NoError(t, err)
	require.NoError(t, ix.AddEntry(map[string]any{
		"obs_id": "obs_0001",
		"t":      Span{Lo: 100, Hi: 200},
	}, Locator{Filename: "focal.h5"}, false))
	require.NoError(t, ix.Close())

	_, err = Create(path, scheme)
	assert.ErrorIs(t, err, ErrIndexExists)

	// The populated file is untouched and still queryable through Open.
	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Query(map[string]any{"obs_id": "obs_0001", "t": 150}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "focal.h5", got[0].Filename)
}

func TestQueryOnEmptyIndex(t *testing.T) {
	ix := newTestIndex(t)
	got, err := ix.Query(map[string]any{"stream_id": "s", "timestamp": 1}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
