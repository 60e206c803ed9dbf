package resolver

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/axisdb/internal/axisman"
	"github.com/agentic-research/axisdb/internal/manifest"
	"github.com/agentic-research/axisdb/internal/stash"
)

func newTestIndex(t *testing.T) *manifest.Index {
	t.Helper()
	scheme := manifest.NewScheme().AddExactMatch("obs_id")
	ix, err := manifest.Create(filepath.Join(t.TempDir(), "index.sqlite"), scheme)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func addEntry(t *testing.T, ix *manifest.Index, obsID, file, group string) {
	t.Helper()
	require.NoError(t, ix.AddEntry(
		map[string]any{"obs_id": obsID},
		manifest.Locator{Filename: file, Dataset: group},
		false,
	))
}

func saveFragment(t *testing.T, fs billy.Filesystem, file, group string, build func(t *testing.T) *axisman.Container) {
	t.Helper()
	require.NoError(t, stash.Save(fs, file, group, build(t), stash.SaveOptions{}))
}

func detFragment(t *testing.T) *axisman.Container {
	t.Helper()
	dets, err := axisman.NewLabelAxis("dets", []string{"d0", "d1", "d2", "d3"})
	require.NoError(t, err)
	c, err := axisman.New(dets)
	require.NoError(t, err)
	cal, err := axisman.NewBuffer([]int{4}, []float64{1.0, 1.1, 1.2, 1.3})
	require.NoError(t, err)
	require.NoError(t, c.Wrap("cal", cal, []string{"dets"}))
	return c
}

func sampFragment(t *testing.T) *axisman.Container {
	t.Helper()
	c, err := axisman.New(axisman.NewOffsetAxis("samps", 10, 100))
	require.NoError(t, err)
	hwp, err := axisman.NewBuffer([]int{10}, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)
	require.NoError(t, c.Wrap("hwp_angle", hwp, []string{"samps"}))
	return c
}

func newTestResolver(fs billy.Filesystem) *Resolver {
	reg := NewRegistry()
	reg.Register(DefaultLoader, NewStashLoader(fs))
	return New(reg)
}

func TestResolveMergesAndRestricts(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "det.stash", "cal", detFragment)
	saveFragment(t, fs, "samp.stash", "hwp", sampFragment)

	detIx := newTestIndex(t)
	addEntry(t, detIx, "obs1", "det.stash", "cal")
	sampIx := newTestIndex(t)
	addEntry(t, sampIx, "obs1", "samp.stash", "hwp")

	specs := []Spec{
		{Name: "cal", Index: detIx, Required: true},
		{Name: "hwp", Index: sampIx, Required: true},
	}
	got, err := newTestResolver(fs).Resolve(
		map[string]any{"obs_id": "obs1"},
		specs,
		axisman.Labels{"d1", "d3"},
		axisman.Range{Start: 102, Stop: 105},
	)
	require.NoError(t, err)

	dets, ok := got.Axis("dets")
	require.True(t, ok)
	assert.Equal(t, 2, dets.Len())
	samps, ok := got.Axis("samps")
	require.True(t, ok)
	assert.Equal(t, 3, samps.Len())
	assert.Equal(t, 102, samps.(*axisman.OffsetAxis).Offset())

	cal, ok := got.Field("cal")
	require.True(t, ok)
	assert.Equal(t, []float64{1.1, 1.3}, cal.Data.(*axisman.Buffer[float64]).Values())
	hwp, ok := got.Field("hwp_angle")
	require.True(t, ok)
	assert.Equal(t, []float64{2, 3, 4}, hwp.Data.(*axisman.Buffer[float64]).Values())
}

func TestResolveOptionalSpecSkipped(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "det.stash", "cal", detFragment)

	detIx := newTestIndex(t)
	addEntry(t, detIx, "obs1", "det.stash", "cal")
	emptyIx := newTestIndex(t)
	addEntry(t, emptyIx, "other_obs", "nowhere.stash", "x")

	specs := []Spec{
		{Name: "cal", Index: detIx, Required: true},
		{Name: "extra", Index: emptyIx},
	}
	got, err := newTestResolver(fs).Resolve(map[string]any{"obs_id": "obs1"}, specs, nil, nil)
	require.NoError(t, err)
	_, ok := got.Field("cal")
	assert.True(t, ok)
}

func TestResolveRequiredSpecMissing(t *testing.T) {
	ix := newTestIndex(t)
	addEntry(t, ix, "other_obs", "nowhere.stash", "x")

	_, err := newTestResolver(memfs.New()).Resolve(
		map[string]any{"obs_id": "obs1"},
		[]Spec{{Name: "focal_plane", Index: ix, Required: true}},
		nil, nil,
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "focal_plane", rerr.Spec)
	assert.Equal(t, "obs1", rerr.ObsID)
}

func TestResolveIdenticalFieldIsNoOp(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "a.stash", "hwp", sampFragment)
	saveFragment(t, fs, "b.stash", "hwp", sampFragment)

	ixA := newTestIndex(t)
	addEntry(t, ixA, "obs1", "a.stash", "hwp")
	ixB := newTestIndex(t)
	addEntry(t, ixB, "obs1", "b.stash", "hwp")

	specs := []Spec{
		{Name: "hwp_a", Index: ixA, Required: true},
		{Name: "hwp_b", Index: ixB, Required: true},
	}
	got, err := newTestResolver(fs).Resolve(map[string]any{"obs_id": "obs1"}, specs, nil, nil)
	require.NoError(t, err)
	_, ok := got.Field("hwp_angle")
	assert.True(t, ok)
}

func TestResolveConflictingFieldFails(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "a.stash", "hwp", sampFragment)
	saveFragment(t, fs, "b.stash", "hwp", func(t *testing.T) *axisman.Container {
		c := sampFragment(t)
		require.NoError(t, c.Move("hwp_angle", "")) // rebuild with different values
		hwp, err := axisman.NewBuffer([]int{10}, []float64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0})
		require.NoError(t, err)
		require.NoError(t, c.Wrap("hwp_angle", hwp, []string{"samps"}))
		return c
	})

	ixA := newTestIndex(t)
	addEntry(t, ixA, "obs1", "a.stash", "hwp")
	ixB := newTestIndex(t)
	addEntry(t, ixB, "obs1", "b.stash", "hwp")

	specs := []Spec{
		{Name: "hwp_a", Index: ixA, Required: true},
		{Name: "hwp_b", Index: ixB, Required: true},
	}
	_, err := newTestResolver(fs).Resolve(map[string]any{"obs_id": "obs1"}, specs, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, axisman.ErrFieldConflict)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "hwp_b", rerr.Spec)
	assert.Equal(t, "hwp_a", rerr.Prior)
	assert.Contains(t, err.Error(), `spec "hwp_a"`)
	assert.Contains(t, err.Error(), `spec "hwp_b"`)
}

func TestResolveConflictNamesEarlierContributor(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "cal.stash", "cal", detFragment)
	saveFragment(t, fs, "hwp.stash", "hwp", sampFragment)
	saveFragment(t, fs, "both.stash", "both", func(t *testing.T) *axisman.Container {
		c := detFragment(t) // same cal values, conflicting hwp_angle
		samps := axisman.NewOffsetAxis("samps", 10, 100)
		hwp, err := axisman.NewBuffer([]int{10}, []float64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0})
		require.NoError(t, err)
		sub, err := axisman.New(samps)
		require.NoError(t, err)
		require.NoError(t, sub.Wrap("hwp_angle", hwp, []string{"samps"}))
		require.NoError(t, c.Merge(sub))
		return c
	})

	ixCal := newTestIndex(t)
	addEntry(t, ixCal, "obs1", "cal.stash", "cal")
	ixHwp := newTestIndex(t)
	addEntry(t, ixHwp, "obs1", "hwp.stash", "hwp")
	ixBoth := newTestIndex(t)
	addEntry(t, ixBoth, "obs1", "both.stash", "both")

	specs := []Spec{
		{Name: "cal", Index: ixCal, Required: true},
		{Name: "hwp", Index: ixHwp, Required: true},
		{Name: "combined", Index: ixBoth, Required: true},
	}
	_, err := newTestResolver(fs).Resolve(map[string]any{"obs_id": "obs1"}, specs, nil, nil)
	require.Error(t, err)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "combined", rerr.Spec)
	// The cal field matches bit for bit; only hwp_angle differs, so the
	// hwp spec is the prior contributor, not cal.
	assert.Equal(t, "hwp", rerr.Prior)
}

func TestResolveRejectsMissingObsID(t *testing.T) {
	_, err := newTestResolver(memfs.New()).Resolve(map[string]any{"timestamp": 1.7e9}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "obs_id")

	_, err = newTestResolver(memfs.New()).Resolve(map[string]any{"obs_id": ""}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "obs_id")
}

func TestResolveAxisNameTranslation(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "fp.stash", "fp", func(t *testing.T) *axisman.Container {
		chans, err := axisman.NewLabelAxis("channels", []string{"d0", "d1", "d2", "d3"})
		require.NoError(t, err)
		c, err := axisman.New(chans)
		require.NoError(t, err)
		xi, err := axisman.NewBuffer([]int{4}, []float64{0.1, 0.2, 0.3, 0.4})
		require.NoError(t, err)
		require.NoError(t, c.Wrap("xi", xi, []string{"channels"}))
		return c
	})

	ix := newTestIndex(t)
	addEntry(t, ix, "obs1", "fp.stash", "fp")

	specs := []Spec{{
		Name:     "focal_plane",
		Index:    ix,
		Axes:     map[string]string{"dets": "channels"},
		Required: true,
	}}
	got, err := newTestResolver(fs).Resolve(
		map[string]any{"obs_id": "obs1"},
		specs,
		axisman.Labels{"d0", "d2"},
		nil,
	)
	require.NoError(t, err)

	chans, ok := got.Axis("channels")
	require.True(t, ok)
	assert.Equal(t, 2, chans.Len())
	xi, ok := got.Field("xi")
	require.True(t, ok)
	assert.Equal(t, []float64{0.1, 0.3}, xi.Data.(*axisman.Buffer[float64]).Values())
}

func TestResolveDestAndRename(t *testing.T) {
	fs := memfs.New()
	saveFragment(t, fs, "det.stash", "cal", detFragment)

	ix := newTestIndex(t)
	addEntry(t, ix, "obs1", "det.stash", "cal")

	specs := []Spec{{
		Name:     "cal",
		Index:    ix,
		Dest:     "preprocess",
		Rename:   map[string]string{"cal": "relcal"},
		Required: true,
	}}
	got, err := newTestResolver(fs).Resolve(map[string]any{"obs_id": "obs1"}, specs, nil, nil)
	require.NoError(t, err)

	sub, ok := got.Child("preprocess")
	require.True(t, ok)
	_, ok = sub.Field("relcal")
	assert.True(t, ok)
	_, ok = sub.Field("cal")
	assert.False(t, ok)
}

func TestResolveUnknownLoader(t *testing.T) {
	ix := newTestIndex(t)
	addEntry(t, ix, "obs1", "det.stash", "cal")

	_, err := newTestResolver(memfs.New()).Resolve(
		map[string]any{"obs_id": "obs1"},
		[]Spec{{Name: "cal", Index: ix, Loader: "hdf5", Required: true}},
		nil, nil,
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLoader)
}
