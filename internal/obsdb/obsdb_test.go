package obsdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDb(t *testing.T) *ObsDb {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "obs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAddGet(t *testing.T) {
	db := newTestDb(t)
	require.NoError(t, db.Add("obs_1700000000", 1.7e9, map[string]string{
		"telescope": "sat1",
		"wafer":     "w42",
	}))

	keys, err := db.Get("obs_1700000000")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"obs_id":    "obs_1700000000",
		"timestamp": 1.7e9,
		"telescope": "sat1",
		"wafer":     "w42",
	}, keys)
}

func TestGetUnknown(t *testing.T) {
	db := newTestDb(t)
	_, err := db.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownObs)
}

func TestAddReplacesTags(t *testing.T) {
	db := newTestDb(t)
	require.NoError(t, db.Add("obs_a", 100, map[string]string{"old": "tag"}))
	require.NoError(t, db.Add("obs_a", 200, map[string]string{"new": "tag"}))

	keys, err := db.Get("obs_a")
	require.NoError(t, err)
	assert.Equal(t, 200.0, keys["timestamp"])
	assert.Equal(t, "tag", keys["new"])
	_, stale := keys["old"]
	assert.False(t, stale)
}

func TestListOrdersByTimestamp(t *testing.T) {
	db := newTestDb(t)
	require.NoError(t, db.Add("obs_c", 300, nil))
	require.NoError(t, db.Add("obs_a", 100, nil))
	require.NoError(t, db.Add("obs_b", 200, nil))

	ids, err := db.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"obs_a", "obs_b", "obs_c"}, ids)
}

func TestAddRejectsEmptyID(t *testing.T) {
	db := newTestDb(t)
	assert.Error(t, db.Add("", 0, nil))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obs.sqlite")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Add("obs_a", 100, map[string]string{"k": "v"}))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
	keys, err := db2.Get("obs_a")
	require.NoError(t, err)
	assert.Equal(t, "v", keys["k"])
}
