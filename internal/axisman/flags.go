package axisman

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// FlagSet is a two-dimensional boolean mask stored as one compressed bitmap
// per row. The usual layout is (detectors, samples): row i flags sample
// intervals of detector i. It implements NDArray so restriction and merge
// treat it like any other field.
type FlagSet struct {
	rows []*roaring.Bitmap
	cols int
}

// NewFlagSet returns an all-clear mask of the given shape.
func NewFlagSet(nrows, cols int) *FlagSet {
	rows := make([]*roaring.Bitmap, nrows)
	for i := range rows {
		rows[i] = roaring.New()
	}
	return &FlagSet{rows: rows, cols: cols}
}

// SetRange flags the columns [lo, hi) of one row.
func (f *FlagSet) SetRange(row, lo, hi int) error {
	if row < 0 || row >= len(f.rows) {
		return fmt.Errorf("flags: row %d out of range (rows %d)", row, len(f.rows))
	}
	if lo < 0 || hi > f.cols || lo > hi {
		return fmt.Errorf("flags: range [%d,%d) out of range (cols %d)", lo, hi, f.cols)
	}
	f.rows[row].AddRange(uint64(lo), uint64(hi))
	return nil
}

// Has reports whether (row, col) is flagged.
func (f *FlagSet) Has(row, col int) bool {
	if row < 0 || row >= len(f.rows) {
		return false
	}
	return f.rows[row].Contains(uint32(col))
}

// Rows exposes the per-row bitmaps for serialization. The bitmaps must not
// be mutated by the caller.
func (f *FlagSet) Rows() []*roaring.Bitmap { return f.rows }

func (f *FlagSet) Dtype() Dtype { return DtypeFlags }

func (f *FlagSet) Shape() []int { return []int{len(f.rows), f.cols} }

func (f *FlagSet) Take(dim int, idx []int) (NDArray, error) {
	switch dim {
	case 0:
		rows := make([]*roaring.Bitmap, 0, len(idx))
		for _, ix := range idx {
			if ix < 0 || ix >= len(f.rows) {
				return nil, fmt.Errorf("flags: row %d out of range (rows %d)", ix, len(f.rows))
			}
			rows = append(rows, f.rows[ix].Clone())
		}
		return &FlagSet{rows: rows, cols: f.cols}, nil
	case 1:
		rows := make([]*roaring.Bitmap, len(f.rows))
		for i, r := range f.rows {
			nb := roaring.New()
			for j, ix := range idx {
				if ix < 0 || ix >= f.cols {
					return nil, fmt.Errorf("flags: column %d out of range (cols %d)", ix, f.cols)
				}
				if r.Contains(uint32(ix)) {
					nb.Add(uint32(j))
				}
			}
			rows[i] = nb
		}
		return &FlagSet{rows: rows, cols: len(idx)}, nil
	default:
		return nil, fmt.Errorf("flags: dimension %d out of range", dim)
	}
}

func (f *FlagSet) Slice(dim, lo, hi int) (NDArray, error) {
	switch dim {
	case 0:
		if lo < 0 || hi > len(f.rows) || lo > hi {
			return nil, fmt.Errorf("flags: slice [%d,%d) out of range (rows %d)", lo, hi, len(f.rows))
		}
		rows := make([]*roaring.Bitmap, 0, hi-lo)
		for _, r := range f.rows[lo:hi] {
			rows = append(rows, r.Clone())
		}
		return &FlagSet{rows: rows, cols: f.cols}, nil
	case 1:
		if lo < 0 || hi > f.cols || lo > hi {
			return nil, fmt.Errorf("flags: slice [%d,%d) out of range (cols %d)", lo, hi, f.cols)
		}
		rows := make([]*roaring.Bitmap, len(f.rows))
		for i, r := range f.rows {
			nb := roaring.New()
			it := r.Iterator()
			it.AdvanceIfNeeded(uint32(lo))
			for it.HasNext() {
				v := it.Next()
				if int(v) >= hi {
					break
				}
				nb.Add(v - uint32(lo))
			}
			rows[i] = nb
		}
		return &FlagSet{rows: rows, cols: hi - lo}, nil
	default:
		return nil, fmt.Errorf("flags: dimension %d out of range", dim)
	}
}

func (f *FlagSet) Equal(o NDArray) bool {
	of, ok := o.(*FlagSet)
	if !ok {
		return false
	}
	if of.cols != f.cols || len(of.rows) != len(f.rows) {
		return false
	}
	for i, r := range f.rows {
		if !r.Equals(of.rows[i]) {
			return false
		}
	}
	return true
}

func (f *FlagSet) Copy() NDArray {
	rows := make([]*roaring.Bitmap, len(f.rows))
	for i, r := range f.rows {
		rows[i] = r.Clone()
	}
	return &FlagSet{rows: rows, cols: f.cols}
}

var _ NDArray = (*FlagSet)(nil)
