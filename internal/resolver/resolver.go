// Package resolver turns declarative metadata specs into one merged
// container per observation. Each spec names a manifest index and a loader;
// resolution queries the index with the observation's key values, loads the
// best-matching dataset, restricts it to the requested detectors and
// samples, and merges it into the accumulating result. Field and axis
// conflicts abort the whole resolution rather than overwrite silently.
package resolver

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/agentic-research/axisdb/internal/axisman"
	"github.com/agentic-research/axisdb/internal/manifest"
	"github.com/agentic-research/axisdb/internal/stash"
)

var (
	ErrNoMatch       = errors.New("resolver: no matching metadata")
	ErrUnknownLoader = errors.New("resolver: unknown loader")
)

// ResolutionError wraps a failure while resolving one spec for one
// observation. When a merge conflict collides with a field an earlier spec
// supplied, Prior names that spec. The partially built container is
// discarded.
type ResolutionError struct {
	Spec  string
	Prior string
	ObsID string
	Err   error
}

func (e *ResolutionError) Error() string {
	if e.Prior != "" {
		return fmt.Sprintf("resolver: spec %q conflicts with spec %q, obs %q: %v", e.Spec, e.Prior, e.ObsID, e.Err)
	}
	return fmt.Sprintf("resolver: spec %q, obs %q: %v", e.Spec, e.ObsID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Loader materializes the dataset a manifest match points at. The selectors
// are advisory: a loader may use them to read less, but the resolver
// restricts the fragment again afterwards, so returning the full dataset is
// always correct.
type Loader interface {
	Load(loc manifest.Locator, det, samp axisman.Selector) (*axisman.Container, error)
}

// Registry maps loader names to implementations. It is passed into the
// resolver explicitly so tests can install doubles without global state.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

func (r *Registry) Register(name string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = l
}

func (r *Registry) Get(name string) (Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[name]
	return l, ok
}

// DefaultLoader is the loader name used when a spec leaves Loader empty.
const DefaultLoader = "stash"

// Spec describes one metadata product to fold into the result.
type Spec struct {
	// Name labels the spec in errors and logs.
	Name string
	// Index answers which dataset serves a given observation.
	Index *manifest.Index
	// Loader names a Registry entry; empty means DefaultLoader.
	Loader string
	// Dest nests the loaded fragment under a subcontainer of that name;
	// empty merges at the top level.
	Dest string
	// Rename maps loaded field names to their final names. An empty
	// destination drops the field.
	Rename map[string]string
	// Axes maps the canonical axis roles "dets" and "samps" to the
	// fragment's own axis names when they differ.
	Axes map[string]string
	// Required aborts resolution when the index has no match; otherwise
	// the spec is skipped with a log line.
	Required bool
}

func (s Spec) axisName(role string) string {
	if n, ok := s.Axes[role]; ok && n != "" {
		return n
	}
	return role
}

// Resolver runs specs against their indexes and merges the results.
type Resolver struct {
	registry *Registry
}

func New(reg *Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Resolve builds the merged container for one observation. obsKeys must
// carry every key field the spec indexes match on (typically obs_id and
// timestamp, plus tags). det and samp may be nil to keep the full axes.
// On any failure the partial result is discarded and a *ResolutionError
// naming the offending spec is returned.
func (r *Resolver) Resolve(obsKeys map[string]any, specs []Spec, det, samp axisman.Selector) (*axisman.Container, error) {
	id, ok := obsKeys["obs_id"]
	if !ok || id == nil || id == "" {
		return nil, fmt.Errorf("resolver: obs keys carry no obs_id")
	}
	obsID := fmt.Sprint(id)
	result, err := axisman.New()
	if err != nil {
		return nil, err
	}
	owners := make(map[string]string)
	for _, sp := range specs {
		frag, err := r.resolveOne(obsKeys, sp, det, samp)
		if err != nil {
			return nil, &ResolutionError{Spec: sp.Name, ObsID: obsID, Err: err}
		}
		if frag == nil {
			continue
		}
		if err := result.Merge(frag); err != nil {
			return nil, &ResolutionError{
				Spec:  sp.Name,
				Prior: priorContributor(result, frag, owners),
				ObsID: obsID,
				Err:   err,
			}
		}
		for _, p := range fieldPaths(frag, "") {
			if _, ok := owners[p]; !ok {
				owners[p] = sp.Name
			}
		}
	}
	return result, nil
}

// fieldPaths lists every field in the tree as a dotted path.
func fieldPaths(c *axisman.Container, prefix string) []string {
	var out []string
	for _, n := range c.FieldNames() {
		out = append(out, prefix+n)
	}
	for _, n := range c.ChildNames() {
		sub, _ := c.Child(n)
		out = append(out, fieldPaths(sub, prefix+n+".")...)
	}
	return out
}

func fieldAt(c *axisman.Container, path string) *axisman.Field {
	for {
		i := strings.IndexByte(path, '.')
		if i < 0 {
			f, _ := c.Field(path)
			return f
		}
		sub, ok := c.Child(path[:i])
		if !ok {
			return nil
		}
		c, path = sub, path[i+1:]
	}
}

// priorContributor names the spec that already supplied the field a failed
// merge collided on: the first shared path whose data differs, falling back
// to the first shared path.
func priorContributor(result, frag *axisman.Container, owners map[string]string) string {
	paths := fieldPaths(frag, "")
	sort.Strings(paths)
	fallback := ""
	for _, p := range paths {
		owner, ok := owners[p]
		if !ok {
			continue
		}
		if fallback == "" {
			fallback = owner
		}
		rf, ff := fieldAt(result, p), fieldAt(frag, p)
		if rf != nil && ff != nil && !rf.Data.Equal(ff.Data) {
			return owner
		}
	}
	return fallback
}

func (r *Resolver) resolveOne(obsKeys map[string]any, sp Spec, det, samp axisman.Selector) (*axisman.Container, error) {
	matches, err := sp.Index.Query(obsKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	if len(matches) == 0 {
		if sp.Required {
			return nil, ErrNoMatch
		}
		log.Printf("resolver: spec %q has no match for obs %v, skipping", sp.Name, obsKeys["obs_id"])
		return nil, nil
	}
	best := matches[0]

	name := sp.Loader
	if name == "" {
		name = DefaultLoader
	}
	loader, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLoader, name)
	}
	frag, err := loader.Load(best.Locator, det, samp)
	if err != nil {
		return nil, fmt.Errorf("load %s:%s: %w", best.Locator.Filename, best.Locator.Dataset, err)
	}

	// Fragments that lack a detector or sample axis (a sample-only product
	// under a detector selection, say) pass through unrestricted.
	if det != nil {
		if ax := sp.axisName("dets"); hasAxis(frag, ax) {
			if _, err := frag.Restrict(ax, det); err != nil {
				return nil, err
			}
		}
	}
	if samp != nil {
		if ax := sp.axisName("samps"); hasAxis(frag, ax) {
			if _, err := frag.Restrict(ax, samp); err != nil {
				return nil, err
			}
		}
	}

	for from, to := range sp.Rename {
		if err := frag.Move(from, to); err != nil {
			return nil, fmt.Errorf("rename %q: %w", from, err)
		}
	}

	if sp.Dest != "" {
		wrapper, err := axisman.New()
		if err != nil {
			return nil, err
		}
		if err := wrapper.WrapContainer(sp.Dest, frag); err != nil {
			return nil, err
		}
		frag = wrapper
	}
	return frag, nil
}

func hasAxis(c *axisman.Container, name string) bool {
	if _, ok := c.Axis(name); ok {
		return true
	}
	for _, child := range c.ChildNames() {
		sub, _ := c.Child(child)
		if hasAxis(sub, name) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Stash-backed loader
// ---------------------------------------------------------------------------

// StashLoader reads fragments out of stash archives: the locator's filename
// is the archive path under the loader's filesystem root and the dataset is
// the group name.
type StashLoader struct {
	fs billy.Filesystem
}

func NewStashLoader(fs billy.Filesystem) *StashLoader {
	return &StashLoader{fs: fs}
}

func (l *StashLoader) Load(loc manifest.Locator, _, _ axisman.Selector) (*axisman.Container, error) {
	return stash.Load(l.fs, loc.Filename, loc.Dataset)
}

var _ Loader = (*StashLoader)(nil)
