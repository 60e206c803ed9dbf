package axisman

import (
	"fmt"
	"sort"
	"strings"
)

// Unbound marks a field dimension that is not tied to a shared axis.
const Unbound = "-"

// Field is an n-dimensional array plus, per data dimension, the name of the
// container axis that dimension is bound to (or Unbound).
type Field struct {
	Data     NDArray
	Bindings []string
}

// Container holds a set of named axes, fields bound to them, and nested
// sub-containers. Sub-containers are exclusively owned by their parent and
// keep any same-named axes consistent with it: restriction and merge walk
// the whole tree by axis name.
//
// Containers are not safe for concurrent mutation.
type Container struct {
	axes     map[string]Axis
	fields   map[string]*Field
	children map[string]*Container
}

// New creates a container over the given axes.
func New(axes ...Axis) (*Container, error) {
	c := &Container{
		axes:     make(map[string]Axis, len(axes)),
		fields:   make(map[string]*Field),
		children: make(map[string]*Container),
	}
	for _, a := range axes {
		if _, ok := c.axes[a.Name()]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAxis, a.Name())
		}
		c.axes[a.Name()] = a
	}
	return c, nil
}

// Axis returns the axis defined at this container level.
func (c *Container) Axis(name string) (Axis, bool) {
	a, ok := c.axes[name]
	return a, ok
}

// Axes returns this level's axes sorted by name.
func (c *Container) Axes() []Axis {
	out := make([]Axis, 0, len(c.axes))
	for _, a := range c.axes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Field returns the named field at this container level.
func (c *Container) Field(name string) (*Field, bool) {
	f, ok := c.fields[name]
	return f, ok
}

// FieldNames returns this level's field names sorted.
func (c *Container) FieldNames() []string {
	out := make([]string, 0, len(c.fields))
	for n := range c.fields {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Child returns the named sub-container.
func (c *Container) Child(name string) (*Container, bool) {
	ch, ok := c.children[name]
	return ch, ok
}

// ChildNames returns this level's sub-container names sorted.
func (c *Container) ChildNames() []string {
	out := make([]string, 0, len(c.children))
	for n := range c.children {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// nameTaken reports whether name is already a field or sub-container here.
func (c *Container) nameTaken(name string) bool {
	if _, ok := c.fields[name]; ok {
		return true
	}
	_, ok := c.children[name]
	return ok
}

// Wrap adds a field. Every bound axis must exist at this level and agree
// with the corresponding dimension length.
func (c *Container) Wrap(name string, data NDArray, bindings []string) error {
	if c.nameTaken(name) {
		return fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	shape := data.Shape()
	if len(bindings) != len(shape) {
		return fmt.Errorf("%w: field %q has %d bindings for %d dimensions",
			ErrAxisMismatch, name, len(bindings), len(shape))
	}
	for i, b := range bindings {
		if b == Unbound {
			continue
		}
		ax, ok := c.axes[b]
		if !ok {
			return fmt.Errorf("%w: field %q bound to missing axis %q", ErrAxisMismatch, name, b)
		}
		if ax.Len() != shape[i] {
			return fmt.Errorf("%w: field %q dimension %d has length %d, axis %q has %d",
				ErrAxisMismatch, name, i, shape[i], b, ax.Len())
		}
	}
	c.fields[name] = &Field{Data: data, Bindings: append([]string(nil), bindings...)}
	return nil
}

// WrapNew allocates a zero-filled field with the shape implied by the
// bindings and adds it. All dimensions must be bound.
func (c *Container) WrapNew(name string, bindings []string, dtype Dtype) (NDArray, error) {
	shape := make([]int, len(bindings))
	for i, b := range bindings {
		if b == Unbound {
			return nil, fmt.Errorf("%w: field %q: unbound dimension has no length", ErrAxisMismatch, name)
		}
		ax, ok := c.axes[b]
		if !ok {
			return nil, fmt.Errorf("%w: field %q bound to missing axis %q", ErrAxisMismatch, name, b)
		}
		shape[i] = ax.Len()
	}
	data, err := Zeros(dtype, shape)
	if err != nil {
		return nil, err
	}
	if err := c.Wrap(name, data, bindings); err != nil {
		return nil, err
	}
	return data, nil
}

// WrapContainer nests child under name, transferring ownership. Axes the
// child shares (by name) with this tree must be compatible; both sides are
// restricted to the intersection.
func (c *Container) WrapContainer(name string, child *Container) error {
	if c.nameTaken(name) {
		return fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	mine := make(map[string]Axis)
	c.collectAxes(mine)
	theirs := make(map[string]Axis)
	child.collectAxes(theirs)
	for axName, oa := range theirs {
		ma, ok := mine[axName]
		if !ok {
			continue
		}
		pm, po, err := reconcile(ma, oa)
		if err != nil {
			return fmt.Errorf("axis %q: %w", axName, err)
		}
		if pm != nil {
			if err := c.applyPlan(axName, pm); err != nil {
				return err
			}
		}
		if po != nil {
			if err := child.applyPlan(axName, po); err != nil {
				return err
			}
		}
	}
	c.children[name] = child
	return nil
}

// Move renames a field, relocates it into an existing sub-container when
// dest contains a dot ("sub.name"), or deletes it when dest is empty.
func (c *Container) Move(name, dest string) error {
	f, ok := c.fields[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if dest == "" {
		delete(c.fields, name)
		return nil
	}
	if dest == name {
		return nil
	}
	if i := strings.IndexByte(dest, '.'); i >= 0 {
		childName, rest := dest[:i], dest[i+1:]
		ch, ok := c.children[childName]
		if !ok {
			return fmt.Errorf("move %q: no sub-container %q", name, childName)
		}
		if ch.nameTaken(rest) {
			return fmt.Errorf("%w: %q", ErrDuplicateField, dest)
		}
		ch.fields[rest] = f
		delete(c.fields, name)
		return nil
	}
	if c.nameTaken(dest) {
		return fmt.Errorf("%w: %q", ErrDuplicateField, dest)
	}
	c.fields[dest] = f
	delete(c.fields, name)
	return nil
}

// Copy returns a deep copy of the container tree. Axis definitions are
// shared (they are immutable); field data is copied.
func (c *Container) Copy() *Container {
	nc := &Container{
		axes:     make(map[string]Axis, len(c.axes)),
		fields:   make(map[string]*Field, len(c.fields)),
		children: make(map[string]*Container, len(c.children)),
	}
	for n, a := range c.axes {
		nc.axes[n] = a
	}
	for n, f := range c.fields {
		nc.fields[n] = &Field{Data: f.Data.Copy(), Bindings: append([]string(nil), f.Bindings...)}
	}
	for n, ch := range c.children {
		nc.children[n] = ch.Copy()
	}
	return nc
}

// ---------------------------------------------------------------------------
// Restriction
// ---------------------------------------------------------------------------

// slicePlan is one axis restriction, computed once from the axis definition
// and then applied uniformly to every same-named axis and bound field in the
// tree. take selects explicit positions; otherwise [lo, hi) is contiguous.
type slicePlan struct {
	take   []int
	lo, hi int
	axis   Axis
}

func (p *slicePlan) apply(a NDArray, dim int) (NDArray, error) {
	if p.take != nil {
		return a.Take(dim, p.take)
	}
	return a.Slice(dim, p.lo, p.hi)
}

func makePlan(ax Axis, sel Selector) (*slicePlan, error) {
	switch a := ax.(type) {
	case *LabelAxis:
		labels, ok := sel.(Labels)
		if !ok {
			return nil, fmt.Errorf("%w: label axis %q needs a Labels selector", ErrSelectorOutOfRange, a.Name())
		}
		take := make([]int, len(labels))
		for i, l := range labels {
			p, ok := a.pos(l)
			if !ok {
				return nil, fmt.Errorf("%w: axis %q has no label %q", ErrSelectorOutOfRange, a.Name(), l)
			}
			take[i] = p
		}
		na, err := NewLabelAxis(a.Name(), append([]string(nil), labels...))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSelectorOutOfRange, err)
		}
		return &slicePlan{take: take, axis: na}, nil
	case *OffsetAxis:
		r, ok := sel.(Range)
		if !ok {
			return nil, fmt.Errorf("%w: offset axis %q needs a Range selector", ErrSelectorOutOfRange, a.Name())
		}
		lo, hi := r.Start-a.Offset(), r.Stop-a.Offset()
		if lo < 0 || hi > a.Len() || lo > hi {
			return nil, fmt.Errorf("%w: [%d,%d) outside axis %q [%d,%d)",
				ErrSelectorOutOfRange, r.Start, r.Stop, a.Name(), a.Offset(), a.Offset()+a.Len())
		}
		return &slicePlan{lo: lo, hi: hi, axis: NewOffsetAxis(a.Name(), r.Len(), r.Start)}, nil
	case *IndexAxis:
		r, ok := sel.(Range)
		if !ok {
			return nil, fmt.Errorf("%w: index axis %q needs a Range selector", ErrSelectorOutOfRange, a.Name())
		}
		if r.Start < 0 || r.Stop > a.Len() || r.Start > r.Stop {
			return nil, fmt.Errorf("%w: [%d,%d) outside axis %q [0,%d)",
				ErrSelectorOutOfRange, r.Start, r.Stop, a.Name(), a.Len())
		}
		return &slicePlan{lo: r.Start, hi: r.Stop, axis: NewIndexAxis(a.Name(), r.Len())}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported axis type %T", ErrSelectorOutOfRange, ax)
	}
}

// findAxis looks the axis up anywhere in the tree.
func (c *Container) findAxis(name string) Axis {
	if a, ok := c.axes[name]; ok {
		return a
	}
	for _, ch := range c.children {
		if a := ch.findAxis(name); a != nil {
			return a
		}
	}
	return nil
}

// applyPlan replaces the named axis and slices every field bound to it,
// recursively.
func (c *Container) applyPlan(name string, p *slicePlan) error {
	if _, ok := c.axes[name]; ok {
		c.axes[name] = p.axis
	}
	for fname, f := range c.fields {
		for dim, b := range f.Bindings {
			if b != name {
				continue
			}
			nd, err := p.apply(f.Data, dim)
			if err != nil {
				return fmt.Errorf("field %q: %w", fname, err)
			}
			f.Data = nd
		}
	}
	for _, ch := range c.children {
		if err := ch.applyPlan(name, p); err != nil {
			return err
		}
	}
	return nil
}

// Restrict narrows the named axis to the selector, slicing every bound
// field in the tree consistently. The container is mutated in place and
// returned for chaining.
func (c *Container) Restrict(name string, sel Selector) (*Container, error) {
	ax := c.findAxis(name)
	if ax == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAxis, name)
	}
	p, err := makePlan(ax, sel)
	if err != nil {
		return nil, err
	}
	if err := c.applyPlan(name, p); err != nil {
		return nil, err
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// collectAxes gathers axis definitions from the whole tree. Same-named axes
// in one tree are kept identical by construction, so first wins.
func (c *Container) collectAxes(out map[string]Axis) {
	for n, a := range c.axes {
		if _, ok := out[n]; !ok {
			out[n] = a
		}
	}
	for _, ch := range c.children {
		ch.collectAxes(out)
	}
}

// reconcile decides how two same-named axes combine: identical axes need no
// work; otherwise both sides are restricted to their intersection. A nil
// plan means that side already matches the intersection.
func reconcile(a, b Axis) (pa, pb *slicePlan, err error) {
	switch av := a.(type) {
	case *LabelAxis:
		bv, ok := b.(*LabelAxis)
		if !ok {
			return nil, nil, fmt.Errorf("%w: kind mismatch (%T vs %T)", ErrAxisConflict, a, b)
		}
		inter := make([]string, 0, len(av.labels))
		for _, l := range av.labels {
			if _, ok := bv.pos(l); ok {
				inter = append(inter, l)
			}
		}
		if len(inter) == 0 {
			return nil, nil, fmt.Errorf("%w: label sets are disjoint", ErrAxisConflict)
		}
		if eqStrings(inter, av.labels) && eqStrings(inter, bv.labels) {
			return nil, nil, nil
		}
		sel := Labels(inter)
		if !eqStrings(inter, av.labels) {
			if pa, err = makePlan(av, sel); err != nil {
				return nil, nil, err
			}
		}
		if !eqStrings(inter, bv.labels) {
			if pb, err = makePlan(bv, sel); err != nil {
				return nil, nil, err
			}
		}
		return pa, pb, nil
	case *OffsetAxis:
		bv, ok := b.(*OffsetAxis)
		if !ok {
			return nil, nil, fmt.Errorf("%w: kind mismatch (%T vs %T)", ErrAxisConflict, a, b)
		}
		lo := max(av.Offset(), bv.Offset())
		hi := min(av.Offset()+av.Len(), bv.Offset()+bv.Len())
		if hi <= lo {
			return nil, nil, fmt.Errorf("%w: sample ranges do not overlap", ErrAxisConflict)
		}
		sel := Range{Start: lo, Stop: hi}
		if lo != av.Offset() || hi != av.Offset()+av.Len() {
			if pa, err = makePlan(av, sel); err != nil {
				return nil, nil, err
			}
		}
		if lo != bv.Offset() || hi != bv.Offset()+bv.Len() {
			if pb, err = makePlan(bv, sel); err != nil {
				return nil, nil, err
			}
		}
		return pa, pb, nil
	case *IndexAxis:
		bv, ok := b.(*IndexAxis)
		if !ok {
			return nil, nil, fmt.Errorf("%w: kind mismatch (%T vs %T)", ErrAxisConflict, a, b)
		}
		if av.Len() == bv.Len() {
			return nil, nil, nil
		}
		n := min(av.Len(), bv.Len())
		if n == 0 {
			return nil, nil, fmt.Errorf("%w: empty intersection", ErrAxisConflict)
		}
		sel := Range{Start: 0, Stop: n}
		if av.Len() != n {
			if pa, err = makePlan(av, sel); err != nil {
				return nil, nil, err
			}
		}
		if bv.Len() != n {
			if pb, err = makePlan(bv, sel); err != nil {
				return nil, nil, err
			}
		}
		return pa, pb, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported axis type %T", ErrAxisConflict, a)
	}
}

func eqStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if b[i] != v {
			return false
		}
	}
	return true
}

// Merge folds other into c. Shared axes must be compatible (identical or
// overlapping; both sides restrict to the intersection), shared fields must
// be bit-identical after restriction, and everything only present in other
// is adopted. Validation runs before any mutation of c, and other is never
// mutated: a failed merge leaves both inputs untouched.
func (c *Container) Merge(other *Container) error {
	mine := make(map[string]Axis)
	c.collectAxes(mine)
	theirs := make(map[string]Axis)
	other.collectAxes(theirs)

	cPlans := make(map[string]*slicePlan)
	oPlans := make(map[string]*slicePlan)
	for name, oa := range theirs {
		ma, ok := mine[name]
		if !ok {
			continue
		}
		pm, po, err := reconcile(ma, oa)
		if err != nil {
			return fmt.Errorf("axis %q: %w", name, err)
		}
		if pm != nil {
			cPlans[name] = pm
		}
		if po != nil {
			oPlans[name] = po
		}
	}

	// Work on a restricted copy of other so conflict checks see the data
	// as it would land, without touching the input.
	oc := other.Copy()
	for name, p := range oPlans {
		if err := oc.applyPlan(name, p); err != nil {
			return err
		}
	}
	if err := c.checkConflicts(oc, cPlans); err != nil {
		return err
	}

	for name, p := range cPlans {
		if err := c.applyPlan(name, p); err != nil {
			return err
		}
	}
	c.adopt(oc)
	return nil
}

// checkConflicts compares oc (already restricted) against c with c's
// pending restriction plans applied to temporary views only.
func (c *Container) checkConflicts(oc *Container, plans map[string]*slicePlan) error {
	for name, of := range oc.fields {
		if _, ok := c.children[name]; ok {
			return fmt.Errorf("%w: %q is a sub-container on the other side", ErrFieldConflict, name)
		}
		mf, ok := c.fields[name]
		if !ok {
			continue
		}
		if !eqStrings(mf.Bindings, of.Bindings) {
			return fmt.Errorf("%w: field %q bound to %v vs %v", ErrFieldConflict, name, mf.Bindings, of.Bindings)
		}
		md := mf.Data
		for dim, b := range mf.Bindings {
			p, ok := plans[b]
			if !ok {
				continue
			}
			var err error
			if md, err = p.apply(md, dim); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		if !md.Equal(of.Data) {
			return fmt.Errorf("%w: field %q differs", ErrFieldConflict, name)
		}
	}
	for name, och := range oc.children {
		if _, ok := c.fields[name]; ok {
			return fmt.Errorf("%w: %q is a field on one side and a sub-container on the other", ErrFieldConflict, name)
		}
		mch, ok := c.children[name]
		if !ok {
			continue
		}
		if err := mch.checkConflicts(och, plans); err != nil {
			return fmt.Errorf("%q: %w", name, err)
		}
	}
	return nil
}

// adopt takes axes, fields and sub-containers from oc that c does not have.
// oc is a private copy at this point, so values are taken, not copied.
func (c *Container) adopt(oc *Container) {
	for n, a := range oc.axes {
		if _, ok := c.axes[n]; !ok {
			c.axes[n] = a
		}
	}
	for n, f := range oc.fields {
		if _, ok := c.fields[n]; !ok {
			c.fields[n] = f
		}
	}
	for n, och := range oc.children {
		if mch, ok := c.children[n]; ok {
			mch.adopt(och)
		} else {
			c.children[n] = och
		}
	}
}
