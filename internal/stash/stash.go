// Package stash persists container trees as named groups inside a single
// archive file. The file is rewritten atomically on every save, so a group
// can be added or replaced without disturbing its siblings. Storage goes
// through a billy filesystem, which keeps the format testable in memory and
// lets callers root archives wherever they like.
package stash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/zstd"

	"github.com/agentic-research/axisdb/internal/axisman"
)

var (
	ErrGroupExists = errors.New("stash: group already exists")
	ErrNoGroup     = errors.New("stash: no such group")
	ErrBadFormat   = errors.New("stash: bad archive format")
)

// Compression selects the per-group payload encoding.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// SaveOptions controls Save. The zero value refuses to replace an existing
// group and stores the payload uncompressed.
type SaveOptions struct {
	Overwrite   bool
	Compression Compression
}

var magic = [4]byte{'A', 'X', 'S', '1'}

const formatVersion = 1

type group struct {
	name        string
	compression Compression
	crc         uint32
	payload     []byte
}

// ---------------------------------------------------------------------------
// Archive surface
// ---------------------------------------------------------------------------

// Save stores the container under the given group name, preserving every
// other group in the archive. The archive is created if absent and replaced
// atomically via a temp file in the same directory.
func Save(fs billy.Filesystem, path, name string, c *axisman.Container, o SaveOptions) error {
	if name == "" {
		return fmt.Errorf("stash: empty group name")
	}
	groups, err := readArchive(fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	raw := new(bytes.Buffer)
	if err := encodeContainer(raw, c); err != nil {
		return err
	}
	g := group{
		name:        name,
		compression: o.Compression,
		crc:         crc32.ChecksumIEEE(raw.Bytes()),
		payload:     raw.Bytes(),
	}
	if o.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("stash: init zstd: %w", err)
		}
		g.payload = enc.EncodeAll(raw.Bytes(), nil)
		_ = enc.Close()
	}

	replaced := false
	for i := range groups {
		if groups[i].name == name {
			if !o.Overwrite {
				return fmt.Errorf("%w: %q in %s", ErrGroupExists, name, path)
			}
			groups[i] = g
			replaced = true
			break
		}
	}
	if !replaced {
		groups = append(groups, g)
	}
	return writeArchive(fs, path, groups)
}

// Load reads one group back into a container.
func Load(fs billy.Filesystem, path, name string) (*axisman.Container, error) {
	groups, err := readArchive(fs, path)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.name != name {
			continue
		}
		raw := g.payload
		if g.compression == CompressionZstd {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, fmt.Errorf("stash: init zstd: %w", err)
			}
			raw, err = dec.DecodeAll(g.payload, nil)
			dec.Close()
			if err != nil {
				return nil, fmt.Errorf("stash: decompress group %q: %w", name, err)
			}
		}
		if crc32.ChecksumIEEE(raw) != g.crc {
			return nil, fmt.Errorf("%w: group %q fails checksum", ErrBadFormat, name)
		}
		return decodeContainer(bytes.NewReader(raw))
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrNoGroup, name, path)
}

// Groups lists the group names stored in the archive, in file order.
func Groups(fs billy.Filesystem, path string) ([]string, error) {
	groups, err := readArchive(fs, path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.name
	}
	return names, nil
}

func readArchive(fs billy.Filesystem, path string) ([]group, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var hdr [5]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrBadFormat, path)
	}
	if hdr[4] != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrBadFormat, path, hdr[4])
	}

	n, err := readUint32(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
	}
	groups := make([]group, 0, n)
	for i := uint32(0); i < n; i++ {
		var g group
		if g.name, err = readString(f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
		}
		var comp [1]byte
		if _, err := io.ReadFull(f, comp[:]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
		}
		g.compression = Compression(comp[0])
		if g.crc, err = readUint32(f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
		}
		size, err := readUint32(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
		}
		g.payload = make([]byte, size)
		if _, err := io.ReadFull(f, g.payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func writeArchive(fs billy.Filesystem, path string, groups []group) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("stash: mkdir %s: %w", dir, err)
		}
	}
	tmp, err := fs.TempFile(dir, ".stash-")
	if err != nil {
		return fmt.Errorf("stash: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
	}

	buf := new(bytes.Buffer)
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)
	writeUint32(buf, uint32(len(groups)))
	for _, g := range groups {
		writeString(buf, g.name)
		buf.WriteByte(byte(g.compression))
		writeUint32(buf, g.crc)
		writeUint32(buf, uint32(len(g.payload)))
		buf.Write(g.payload)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		cleanup()
		return fmt.Errorf("stash: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("stash: close %s: %w", tmpName, err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("stash: rename into %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Container encoding
// ---------------------------------------------------------------------------

const (
	axisKindLabel  = 1
	axisKindOffset = 2
	axisKindIndex  = 3
)

func encodeContainer(w *bytes.Buffer, c *axisman.Container) error {
	axes := c.Axes()
	writeUint32(w, uint32(len(axes)))
	for _, ax := range axes {
		writeString(w, ax.Name())
		switch a := ax.(type) {
		case *axisman.LabelAxis:
			w.WriteByte(axisKindLabel)
			writeUint32(w, uint32(a.Len()))
			for _, l := range a.Labels() {
				writeString(w, l)
			}
		case *axisman.OffsetAxis:
			w.WriteByte(axisKindOffset)
			writeInt64(w, int64(a.Len()))
			writeInt64(w, int64(a.Offset()))
		case *axisman.IndexAxis:
			w.WriteByte(axisKindIndex)
			writeInt64(w, int64(a.Len()))
		default:
			return fmt.Errorf("stash: unencodable axis %q", ax.Name())
		}
	}

	names := c.FieldNames()
	writeUint32(w, uint32(len(names)))
	for _, name := range names {
		f, _ := c.Field(name)
		writeString(w, name)
		w.WriteByte(byte(f.Data.Dtype()))
		shape := f.Data.Shape()
		writeUint32(w, uint32(len(shape)))
		for _, n := range shape {
			writeInt64(w, int64(n))
		}
		writeUint32(w, uint32(len(f.Bindings)))
		for _, b := range f.Bindings {
			writeString(w, b)
		}
		if err := encodeValues(w, f.Data); err != nil {
			return fmt.Errorf("stash: field %q: %w", name, err)
		}
	}

	kids := c.ChildNames()
	writeUint32(w, uint32(len(kids)))
	for _, name := range kids {
		child, _ := c.Child(name)
		writeString(w, name)
		if err := encodeContainer(w, child); err != nil {
			return err
		}
	}
	return nil
}

func encodeValues(w *bytes.Buffer, a axisman.NDArray) error {
	switch v := a.(type) {
	case *axisman.Buffer[float32]:
		return binary.Write(w, binary.LittleEndian, v.Values())
	case *axisman.Buffer[float64]:
		return binary.Write(w, binary.LittleEndian, v.Values())
	case *axisman.Buffer[int32]:
		return binary.Write(w, binary.LittleEndian, v.Values())
	case *axisman.Buffer[int64]:
		return binary.Write(w, binary.LittleEndian, v.Values())
	case *axisman.Buffer[bool]:
		return binary.Write(w, binary.LittleEndian, v.Values())
	case *axisman.Buffer[string]:
		for _, s := range v.Values() {
			writeString(w, s)
		}
		return nil
	case *axisman.FlagSet:
		for _, rb := range v.Rows() {
			b, err := rb.ToBytes()
			if err != nil {
				return fmt.Errorf("serialize bitmap: %w", err)
			}
			writeUint32(w, uint32(len(b)))
			w.Write(b)
		}
		return nil
	default:
		return fmt.Errorf("unencodable array type %T", a)
	}
}

func decodeContainer(r io.Reader) (*axisman.Container, error) {
	naxes, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	axes := make([]axisman.Axis, 0, naxes)
	for i := uint32(0); i < naxes; i++ {
		ax, err := decodeAxis(r)
		if err != nil {
			return nil, err
		}
		axes = append(axes, ax)
	}
	c, err := axisman.New(axes...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	nfields, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	for i := uint32(0); i < nfields; i++ {
		name, data, bindings, err := decodeField(r)
		if err != nil {
			return nil, err
		}
		if err := c.Wrap(name, data, bindings); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrBadFormat, name, err)
		}
	}

	nkids, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	for i := uint32(0); i < nkids; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		child, err := decodeContainer(r)
		if err != nil {
			return nil, err
		}
		if err := c.WrapContainer(name, child); err != nil {
			return nil, fmt.Errorf("%w: child %q: %v", ErrBadFormat, name, err)
		}
	}
	return c, nil
}

func decodeAxis(r io.Reader) (axisman.Axis, error) {
	name, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	switch kind[0] {
	case axisKindLabel:
		n, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		labels := make([]string, n)
		for i := range labels {
			if labels[i], err = readString(r); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
			}
		}
		ax, err := axisman.NewLabelAxis(name, labels)
		if err != nil {
			return nil, fmt.Errorf("%w: axis %q: %v", ErrBadFormat, name, err)
		}
		return ax, nil
	case axisKindOffset:
		count, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		offset, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		return axisman.NewOffsetAxis(name, int(count), int(offset)), nil
	case axisKindIndex:
		count, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		return axisman.NewIndexAxis(name, int(count)), nil
	default:
		return nil, fmt.Errorf("%w: unknown axis kind %d", ErrBadFormat, kind[0])
	}
}

func decodeField(r io.Reader) (string, axisman.NDArray, []string, error) {
	name, err := readString(r)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	var dt [1]byte
	if _, err := io.ReadFull(r, dt[:]); err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	ndim, err := readUint32(r)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	shape := make([]int, ndim)
	vol := 1
	for i := range shape {
		n, err := readInt64(r)
		if err != nil {
			return "", nil, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
		shape[i] = int(n)
		vol *= shape[i]
	}
	nbind, err := readUint32(r)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	bindings := make([]string, nbind)
	for i := range bindings {
		if bindings[i], err = readString(r); err != nil {
			return "", nil, nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
	}
	data, err := decodeValues(r, axisman.Dtype(dt[0]), shape, vol)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: field %q: %v", ErrBadFormat, name, err)
	}
	return name, data, bindings, nil
}

func decodeValues(r io.Reader, dtype axisman.Dtype, shape []int, vol int) (axisman.NDArray, error) {
	switch dtype {
	case axisman.DtypeFloat32:
		return readBuffer[float32](r, shape, vol)
	case axisman.DtypeFloat64:
		return readBuffer[float64](r, shape, vol)
	case axisman.DtypeInt32:
		return readBuffer[int32](r, shape, vol)
	case axisman.DtypeInt64:
		return readBuffer[int64](r, shape, vol)
	case axisman.DtypeBool:
		return readBuffer[bool](r, shape, vol)
	case axisman.DtypeString:
		vals := make([]string, vol)
		for i := range vals {
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			vals[i] = s
		}
		return axisman.NewBuffer(shape, vals)
	case axisman.DtypeFlags:
		if len(shape) != 2 {
			return nil, fmt.Errorf("flags want 2 dims, got %d", len(shape))
		}
		fs := axisman.NewFlagSet(shape[0], shape[1])
		for _, rb := range fs.Rows() {
			size, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			b := make([]byte, size)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, err
			}
			if _, err := rb.ReadFrom(bytes.NewReader(b)); err != nil {
				return nil, fmt.Errorf("parse bitmap: %w", err)
			}
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown dtype %d", dtype)
	}
}

func readBuffer[T axisman.Element](r io.Reader, shape []int, vol int) (axisman.NDArray, error) {
	vals := make([]T, vol)
	if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
		return nil, err
	}
	return axisman.NewBuffer(shape, vals)
}

// ---------------------------------------------------------------------------
// Primitive codecs
// ---------------------------------------------------------------------------

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeInt64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) {
	writeUint32(w, uint32(len(s)))
	w.WriteString(s)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
