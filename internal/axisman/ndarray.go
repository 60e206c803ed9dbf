package axisman

import "fmt"

// Dtype enumerates the element types a field can carry.
type Dtype uint8

const (
	DtypeFloat32 Dtype = iota + 1
	DtypeFloat64
	DtypeInt32
	DtypeInt64
	DtypeBool
	DtypeString
	DtypeFlags
)

// String returns the string representation of the Dtype.
func (d Dtype) String() string {
	switch d {
	case DtypeFloat32:
		return "float32"
	case DtypeFloat64:
		return "float64"
	case DtypeInt32:
		return "int32"
	case DtypeInt64:
		return "int64"
	case DtypeBool:
		return "bool"
	case DtypeString:
		return "string"
	case DtypeFlags:
		return "flags"
	default:
		return "unknown"
	}
}

// NDArray is an n-dimensional array of one element type. Implementations are
// dense row-major buffers (Buffer) and per-row bitmaps (FlagSet).
type NDArray interface {
	Dtype() Dtype
	Shape() []int
	// Take selects the given positions, in order, along one dimension.
	Take(dim int, idx []int) (NDArray, error)
	// Slice selects the contiguous positions [lo, hi) along one dimension.
	Slice(dim, lo, hi int) (NDArray, error)
	// Equal reports whether the other array has identical type, shape and
	// element content.
	Equal(o NDArray) bool
	// Copy returns a deep copy.
	Copy() NDArray
}

// Element constrains the dense buffer element types.
type Element interface {
	float32 | float64 | int32 | int64 | bool | string
}

// Buffer is a dense row-major n-dimensional array.
type Buffer[T Element] struct {
	shape []int
	vals  []T
}

// NewBuffer wraps vals as an array of the given shape. len(vals) must equal
// the shape volume.
func NewBuffer[T Element](shape []int, vals []T) (*Buffer[T], error) {
	n, err := volume(shape)
	if err != nil {
		return nil, err
	}
	if len(vals) != n {
		return nil, fmt.Errorf("buffer: %d values for shape %v (want %d)", len(vals), shape, n)
	}
	return &Buffer[T]{shape: append([]int(nil), shape...), vals: vals}, nil
}

func volume(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("buffer: negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

// Values returns the flat backing slice in row-major order.
// The slice must not be resized by the caller.
func (b *Buffer[T]) Values() []T { return b.vals }

func (b *Buffer[T]) Shape() []int { return b.shape }

func (b *Buffer[T]) Dtype() Dtype {
	switch any(b.vals).(type) {
	case []float32:
		return DtypeFloat32
	case []float64:
		return DtypeFloat64
	case []int32:
		return DtypeInt32
	case []int64:
		return DtypeInt64
	case []bool:
		return DtypeBool
	case []string:
		return DtypeString
	default:
		return 0
	}
}

// strides returns (outer, inner): the product of dimensions before and after
// dim. The buffer is then outer blocks of shape[dim]*inner elements.
func (b *Buffer[T]) strides(dim int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range b.shape[:dim] {
		outer *= d
	}
	for _, d := range b.shape[dim+1:] {
		inner *= d
	}
	return outer, inner
}

func (b *Buffer[T]) checkDim(dim int) error {
	if dim < 0 || dim >= len(b.shape) {
		return fmt.Errorf("buffer: dimension %d out of range for shape %v", dim, b.shape)
	}
	return nil
}

func (b *Buffer[T]) Take(dim int, idx []int) (NDArray, error) {
	if err := b.checkDim(dim); err != nil {
		return nil, err
	}
	for _, ix := range idx {
		if ix < 0 || ix >= b.shape[dim] {
			return nil, fmt.Errorf("buffer: index %d out of range for dimension %d (len %d)", ix, dim, b.shape[dim])
		}
	}
	outer, inner := b.strides(dim)
	out := make([]T, outer*len(idx)*inner)
	for o := 0; o < outer; o++ {
		src := o * b.shape[dim] * inner
		dst := o * len(idx) * inner
		for j, ix := range idx {
			copy(out[dst+j*inner:dst+(j+1)*inner], b.vals[src+ix*inner:src+(ix+1)*inner])
		}
	}
	shape := append([]int(nil), b.shape...)
	shape[dim] = len(idx)
	return &Buffer[T]{shape: shape, vals: out}, nil
}

func (b *Buffer[T]) Slice(dim, lo, hi int) (NDArray, error) {
	if err := b.checkDim(dim); err != nil {
		return nil, err
	}
	if lo < 0 || hi > b.shape[dim] || lo > hi {
		return nil, fmt.Errorf("buffer: slice [%d,%d) out of range for dimension %d (len %d)", lo, hi, dim, b.shape[dim])
	}
	outer, inner := b.strides(dim)
	n := hi - lo
	out := make([]T, outer*n*inner)
	for o := 0; o < outer; o++ {
		src := (o*b.shape[dim] + lo) * inner
		copy(out[o*n*inner:(o+1)*n*inner], b.vals[src:src+n*inner])
	}
	shape := append([]int(nil), b.shape...)
	shape[dim] = n
	return &Buffer[T]{shape: shape, vals: out}, nil
}

func (b *Buffer[T]) Equal(o NDArray) bool {
	ob, ok := o.(*Buffer[T])
	if !ok {
		return false
	}
	if len(b.shape) != len(ob.shape) {
		return false
	}
	for i, d := range b.shape {
		if ob.shape[i] != d {
			return false
		}
	}
	for i, v := range b.vals {
		if ob.vals[i] != v {
			return false
		}
	}
	return true
}

func (b *Buffer[T]) Copy() NDArray {
	return &Buffer[T]{
		shape: append([]int(nil), b.shape...),
		vals:  append([]T(nil), b.vals...),
	}
}

// Zeros allocates a zero-filled array of the given dtype and shape.
// DtypeFlags requires a two-dimensional shape.
func Zeros(dtype Dtype, shape []int) (NDArray, error) {
	n, err := volume(shape)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case DtypeFloat32:
		return &Buffer[float32]{shape: append([]int(nil), shape...), vals: make([]float32, n)}, nil
	case DtypeFloat64:
		return &Buffer[float64]{shape: append([]int(nil), shape...), vals: make([]float64, n)}, nil
	case DtypeInt32:
		return &Buffer[int32]{shape: append([]int(nil), shape...), vals: make([]int32, n)}, nil
	case DtypeInt64:
		return &Buffer[int64]{shape: append([]int(nil), shape...), vals: make([]int64, n)}, nil
	case DtypeBool:
		return &Buffer[bool]{shape: append([]int(nil), shape...), vals: make([]bool, n)}, nil
	case DtypeString:
		return &Buffer[string]{shape: append([]int(nil), shape...), vals: make([]string, n)}, nil
	case DtypeFlags:
		if len(shape) != 2 {
			return nil, fmt.Errorf("flags: shape %v is not two-dimensional", shape)
		}
		return NewFlagSet(shape[0], shape[1]), nil
	default:
		return nil, fmt.Errorf("zeros: unknown dtype %d", dtype)
	}
}

var (
	_ NDArray = (*Buffer[float64])(nil)
	_ NDArray = (*Buffer[string])(nil)
)
