package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeContext(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "context.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadContext(t *testing.T) {
	path := writeContext(t, `
obsdb     = "obs.sqlite"
data_root = "/data/metadata"

index "focal_plane" {
  path     = "focal_plane.sqlite"
  required = true
  axes     = { dets = "channels" }
}

index "hwp" {
  path   = "hwp.sqlite"
  dest   = "hwp"
  rename = { angle = "hwp_angle" }
}
`)
	ctx, err := LoadContext(path)
	require.NoError(t, err)

	assert.Equal(t, "obs.sqlite", ctx.ObsDb)
	assert.Equal(t, "/data/metadata", ctx.DataRoot)
	require.Len(t, ctx.Indexes, 2)

	fp := ctx.Indexes[0]
	assert.Equal(t, "focal_plane", fp.Name)
	assert.Equal(t, "focal_plane.sqlite", fp.Path)
	assert.True(t, fp.Required)
	assert.Equal(t, map[string]string{"dets": "channels"}, fp.Axes)

	hwp := ctx.Indexes[1]
	assert.Equal(t, "hwp", hwp.Name)
	assert.False(t, hwp.Required)
	assert.Equal(t, "hwp", hwp.Dest)
	assert.Equal(t, map[string]string{"angle": "hwp_angle"}, hwp.Rename)
}

func TestLoadContextRejectsDuplicateIndex(t *testing.T) {
	path := writeContext(t, `
index "a" { path = "a.sqlite" }
index "a" { path = "b.sqlite" }
`)
	_, err := LoadContext(path)
	assert.Error(t, err)
}

func TestLoadContextRejectsMissingPath(t *testing.T) {
	path := writeContext(t, `
index "a" { path = "" }
`)
	_, err := LoadContext(path)
	assert.Error(t, err)
}

func TestLoadContextBadSyntax(t *testing.T) {
	path := writeContext(t, `index {]`)
	_, err := LoadContext(path)
	assert.Error(t, err)
}
