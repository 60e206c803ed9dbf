// Package axisman implements the axis-aligned container model: named shared
// axes, fields bound to them dimension by dimension, restriction to an axis
// subset, and conflict-checked merging of container trees.
package axisman

import "fmt"

// Axis describes one named dimension: a logical name plus an identity for
// each position along it. Axis values are immutable after construction and
// may be shared between containers.
type Axis interface {
	Name() string
	Len() int
}

// LabelAxis identifies each position by a unique string label
// (e.g. detector names).
type LabelAxis struct {
	name   string
	labels []string
	index  map[string]int
}

// NewLabelAxis builds a label axis. Labels must be unique.
func NewLabelAxis(name string, labels []string) (*LabelAxis, error) {
	idx := make(map[string]int, len(labels))
	for i, l := range labels {
		if _, ok := idx[l]; ok {
			return nil, fmt.Errorf("label axis %q: duplicate label %q", name, l)
		}
		idx[l] = i
	}
	return &LabelAxis{name: name, labels: labels, index: idx}, nil
}

func (a *LabelAxis) Name() string { return a.name }
func (a *LabelAxis) Len() int     { return len(a.labels) }

// Labels returns the identity sequence. The slice must not be modified.
func (a *LabelAxis) Labels() []string { return a.labels }

func (a *LabelAxis) pos(label string) (int, bool) {
	i, ok := a.index[label]
	return i, ok
}

// OffsetAxis identifies positions by a contiguous integer range
// [offset, offset+count), e.g. sample indices within a longer observation.
type OffsetAxis struct {
	name          string
	count, offset int
}

func NewOffsetAxis(name string, count, offset int) *OffsetAxis {
	return &OffsetAxis{name: name, count: count, offset: offset}
}

func (a *OffsetAxis) Name() string { return a.name }
func (a *OffsetAxis) Len() int     { return a.count }
func (a *OffsetAxis) Offset() int  { return a.offset }

// IndexAxis is a bare counted dimension with no identity beyond position.
type IndexAxis struct {
	name  string
	count int
}

func NewIndexAxis(name string, count int) *IndexAxis {
	return &IndexAxis{name: name, count: count}
}

func (a *IndexAxis) Name() string { return a.name }
func (a *IndexAxis) Len() int     { return a.count }

// Selector picks a subset of an axis's identities for Restrict.
type Selector interface {
	selector()
}

// Labels selects an explicit ordered subset of a LabelAxis's labels.
type Labels []string

func (Labels) selector() {}

// Range selects the half-open identity range [Start, Stop). For an
// OffsetAxis the bounds are absolute identities (offset included); for an
// IndexAxis they are plain positions.
type Range struct {
	Start, Stop int
}

func (Range) selector() {}

// Len returns the number of positions the range covers.
func (r Range) Len() int { return r.Stop - r.Start }

var (
	_ Axis = (*LabelAxis)(nil)
	_ Axis = (*OffsetAxis)(nil)
	_ Axis = (*IndexAxis)(nil)
)
