package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"
)

const formatVersion = "1"

// Index is one manifest index backed by a single sqlite file.
//
// Writers are serialized by an in-process mutex plus sqlite's own file
// locking (one transaction per AddEntry); readers need no locking.
type Index struct {
	db       *sql.DB
	path     string
	scheme   *Scheme
	frozen   bool
	readonly bool
	mu       sync.Mutex
}

// Create makes a new index file with the given scheme. The scheme stays
// mutable through the Index until the first entry is added. An existing
// file fails with ErrIndexExists; use Open for existing indexes.
func Create(path string, scheme *Scheme) (*Index, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s (use Open)", ErrIndexExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if scheme == nil {
		scheme = NewScheme()
	}
	if err := scheme.validate(); err != nil {
		return nil, err
	}
	for _, f := range scheme.fields {
		if err := checkIdent(f.Name); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL
	);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index tables: %w", err)
	}
	ix := &Index{db: db, path: path, scheme: scheme.copy()}
	if _, err := db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('version', ?)", formatVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ix.persistScheme(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

// Open opens an existing index read-write.
func Open(path string) (*Index, error) { return open(path, false) }

// OpenReadOnly opens an existing index for queries only.
func OpenReadOnly(path string) (*Index, error) { return open(path, true) }

func open(path string, readonly bool) (*Index, error) {
	dsn := path
	if readonly {
		dsn += "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	ix := &Index{db: db, path: path, readonly: readonly}

	var version string
	if err := db.QueryRow("SELECT value FROM meta WHERE key = 'version'").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read index version from %s: %w", path, err)
	}
	if version != formatVersion {
		_ = db.Close()
		return nil, fmt.Errorf("index %s: unsupported format version %s", path, version)
	}

	var schemeJSON string
	if err := db.QueryRow("SELECT value FROM meta WHERE key = 'scheme'").Scan(&schemeJSON); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read scheme from %s: %w", path, err)
	}
	if ix.scheme, err = decodeScheme(schemeJSON); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index %s: %w", path, err)
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'map'").Scan(&name)
	switch err {
	case nil:
		ix.frozen = true
	case sql.ErrNoRows:
	default:
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

// Close closes the backing database.
func (ix *Index) Close() error { return ix.db.Close() }

// Scheme returns a copy of the index's scheme.
func (ix *Index) Scheme() *Scheme { return ix.scheme.copy() }

// AddExactMatch declares an exact-match key field.
// Fails with ErrSchemaFrozen once the index holds entries.
func (ix *Index) AddExactMatch(name string) error { return ix.addField(name, KindExact) }

// AddRangeMatch declares a range-match key field.
// Fails with ErrSchemaFrozen once the index holds entries.
func (ix *Index) AddRangeMatch(name string) error { return ix.addField(name, KindRange) }

// AddDataField declares a payload-only field.
// Fails with ErrSchemaFrozen once the index holds entries.
func (ix *Index) AddDataField(name string) error { return ix.addField(name, KindData) }

func (ix *Index) addField(name string, kind Kind) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.readonly {
		return ErrReadOnly
	}
	if ix.frozen {
		return fmt.Errorf("%w: cannot add field %q", ErrSchemaFrozen, name)
	}
	if err := checkIdent(name); err != nil {
		return err
	}
	if _, ok := ix.scheme.field(name); ok {
		return fmt.Errorf("scheme: duplicate field %q", name)
	}
	ix.scheme.add(name, kind)
	return ix.persistScheme()
}

func checkIdent(name string) error {
	if name == "" {
		return fmt.Errorf("scheme: empty field name")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("scheme: field name %q starts with a digit", name)
			}
		default:
			return fmt.Errorf("scheme: field name %q contains %q", name, r)
		}
	}
	return nil
}

func (ix *Index) persistScheme() error {
	enc := make([]any, 0, len(ix.scheme.fields))
	for _, f := range ix.scheme.fields {
		enc = append(enc, map[string]any{"name": f.Name, "kind": f.Kind.String()})
	}
	_, err := ix.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('scheme', ?)", oj.JSON(enc))
	return err
}

func decodeScheme(raw string) (*Scheme, error) {
	parsed, err := oj.ParseString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse scheme: %w", err)
	}
	list, ok := parsed.([]any)
	if !ok {
		return nil, fmt.Errorf("parse scheme: not a list")
	}
	s := NewScheme()
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parse scheme: bad entry %v", item)
		}
		name, _ := m["name"].(string)
		kindStr, _ := m["kind"].(string)
		kind, err := kindFromString(kindStr)
		if err != nil {
			return nil, fmt.Errorf("parse scheme: field %q: %w", name, err)
		}
		s.add(name, kind)
	}
	return s, s.validate()
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

func exactCol(name string) string { return `"k_` + name + `"` }
func rangeLoCol(name string) string { return `"k_` + name + `_lo"` }
func rangeHiCol(name string) string { return `"k_` + name + `_hi"` }

func (ix *Index) mapTableDDL() string {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS map (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	superseded INTEGER NOT NULL DEFAULT 0,
	file_id INTEGER NOT NULL REFERENCES files(id),
	dataset TEXT,
	extra TEXT`)
	for _, f := range ix.scheme.fields {
		switch f.Kind {
		case KindExact:
			b.WriteString(",\n\t" + exactCol(f.Name))
		case KindRange:
			b.WriteString(",\n\t" + rangeLoCol(f.Name))
			b.WriteString(",\n\t" + rangeHiCol(f.Name))
		}
	}
	b.WriteString("\n)")
	return b.String()
}

// normKey canonicalizes exact-match values: integers widen to int64, floats
// to float64, strings pass through.
func normKey(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported key value %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unsupported numeric value %T", v)
	}
}

// AddEntry inserts one entry. keys must supply every exact field, a Span
// per range field, and may carry values for data fields (stored as payload).
// An identical non-superseded key fails with ErrDuplicateEntry unless
// replace is set; replacement supersedes the old row but keeps it for audit.
func (ix *Index) AddEntry(keys map[string]any, loc Locator, replace bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.readonly {
		return ErrReadOnly
	}
	if loc.Filename == "" {
		return fmt.Errorf("add entry: empty locator filename")
	}
	if len(ix.scheme.fields) == 0 {
		return fmt.Errorf("add entry: scheme has no fields")
	}
	for name := range keys {
		if _, ok := ix.scheme.field(name); !ok {
			return fmt.Errorf("add entry: field %q not in scheme", name)
		}
	}

	// Resolve scheme fields into column/value lists up front.
	var (
		cols    []string
		vals    []any
		keyCols []string // for duplicate detection, parallel to keyVals
		keyVals []any
		extra   map[string]any
	)
	for _, f := range ix.scheme.fields {
		v, present := keys[f.Name]
		switch f.Kind {
		case KindExact:
			if !present {
				return fmt.Errorf("add entry: missing exact field %q", f.Name)
			}
			nv, err := normKey(v)
			if err != nil {
				return fmt.Errorf("add entry: field %q: %w", f.Name, err)
			}
			cols = append(cols, exactCol(f.Name))
			vals = append(vals, nv)
			keyCols = append(keyCols, exactCol(f.Name))
			keyVals = append(keyVals, nv)
		case KindRange:
			if !present {
				return fmt.Errorf("add entry: missing range field %q", f.Name)
			}
			span, ok := v.(Span)
			if !ok {
				return fmt.Errorf("add entry: field %q: want Span, got %T", f.Name, v)
			}
			if span.Hi <= span.Lo {
				return fmt.Errorf("add entry: field %q: empty span [%v,%v)", f.Name, span.Lo, span.Hi)
			}
			cols = append(cols, rangeLoCol(f.Name), rangeHiCol(f.Name))
			vals = append(vals, span.Lo, span.Hi)
			keyCols = append(keyCols, rangeLoCol(f.Name), rangeHiCol(f.Name))
			keyVals = append(keyVals, span.Lo, span.Hi)
		case KindData:
			if present {
				if extra == nil {
					extra = make(map[string]any)
				}
				extra[f.Name] = v
			}
		}
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin add entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op if committed

	if _, err := tx.Exec(ix.mapTableDDL()); err != nil {
		return fmt.Errorf("create map table: %w", err)
	}

	var fileID int64
	err = tx.QueryRow("SELECT id FROM files WHERE name = ?", loc.Filename).Scan(&fileID)
	if err == sql.ErrNoRows {
		res, err := tx.Exec("INSERT INTO files (name) VALUES (?)", loc.Filename)
		if err != nil {
			return fmt.Errorf("intern file %s: %w", loc.Filename, err)
		}
		if fileID, err = res.LastInsertId(); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	// Duplicate key detection against live rows only.
	conds := make([]string, len(keyCols))
	for i, col := range keyCols {
		conds[i] = col + " = ?"
	}
	dupQuery := "SELECT seq FROM map WHERE superseded = 0"
	if len(conds) > 0 {
		dupQuery += " AND " + strings.Join(conds, " AND ")
	}
	rows, err := tx.Query(dupQuery, keyVals...)
	if err != nil {
		return fmt.Errorf("check duplicate key: %w", err)
	}
	var dups []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			_ = rows.Close()
			return err
		}
		dups = append(dups, seq)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if len(dups) > 0 {
		if !replace {
			return fmt.Errorf("%w: key already present", ErrDuplicateEntry)
		}
		for _, seq := range dups {
			if _, err := tx.Exec("UPDATE map SET superseded = 1 WHERE seq = ?", seq); err != nil {
				return fmt.Errorf("supersede entry %d: %w", seq, err)
			}
		}
	}

	insCols := append([]string{"file_id", "dataset", "extra"}, cols...)
	insVals := make([]any, 0, len(vals)+3)
	var extraJSON any
	if extra != nil {
		extraJSON = oj.JSON(extra)
	}
	insVals = append(insVals, fileID, loc.Dataset, extraJSON)
	insVals = append(insVals, vals...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(insCols)), ", ")
	ins := "INSERT INTO map (" + strings.Join(insCols, ", ") + ") VALUES (" + marks + ")"
	if _, err := tx.Exec(ins, insVals...); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	ix.frozen = true
	return nil
}

// ---------------------------------------------------------------------------
// Querying
// ---------------------------------------------------------------------------

// Query returns every live entry satisfiable by the given concrete key
// values, most specific first: smallest total range width, then most recent
// insertion. tags, when non-nil, additionally require the entry's payload
// to carry equal values for every given key. An empty result is not an
// error.
func (ix *Index) Query(keys map[string]any, tags map[string]any) ([]Match, error) {
	if !ix.frozen {
		return nil, nil
	}

	var (
		conds     []string
		args      []any
		rangeCols []string
	)
	for _, f := range ix.scheme.fields {
		switch f.Kind {
		case KindExact:
			v, ok := keys[f.Name]
			if !ok {
				return nil, fmt.Errorf("query: missing key %q", f.Name)
			}
			nv, err := normKey(v)
			if err != nil {
				return nil, fmt.Errorf("query: key %q: %w", f.Name, err)
			}
			conds = append(conds, exactCol(f.Name)+" = ?")
			args = append(args, nv)
		case KindRange:
			v, ok := keys[f.Name]
			if !ok {
				return nil, fmt.Errorf("query: missing key %q", f.Name)
			}
			fv, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("query: key %q: %w", f.Name, err)
			}
			conds = append(conds, rangeLoCol(f.Name)+" <= ? AND ? < "+rangeHiCol(f.Name))
			args = append(args, fv, fv)
			rangeCols = append(rangeCols, "m."+rangeLoCol(f.Name), "m."+rangeHiCol(f.Name))
		}
	}

	sel := "SELECT m.seq, f.name, m.dataset, m.extra"
	if len(rangeCols) > 0 {
		sel += ", " + strings.Join(rangeCols, ", ")
	}
	sel += " FROM map m JOIN files f ON f.id = m.file_id WHERE m.superseded = 0"
	if len(conds) > 0 {
		sel += " AND " + strings.Join(conds, " AND ")
	}

	rows, err := ix.db.Query(sel, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Match
	for rows.Next() {
		var (
			m       Match
			dataset sql.NullString
			extra   sql.NullString
		)
		bounds := make([]any, len(rangeCols))
		ptrs := []any{&m.Seq, &m.Filename, &dataset, &extra}
		for i := range bounds {
			ptrs = append(ptrs, &bounds[i])
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m.Dataset = dataset.String
		if extra.Valid && extra.String != "" {
			parsed, err := oj.ParseString(extra.String)
			if err != nil {
				return nil, fmt.Errorf("entry %d: parse payload: %w", m.Seq, err)
			}
			m.Extra, _ = parsed.(map[string]any)
		}
		for i := 0; i < len(bounds); i += 2 {
			lo, err := toFloat(bounds[i])
			if err != nil {
				return nil, err
			}
			hi, err := toFloat(bounds[i+1])
			if err != nil {
				return nil, err
			}
			m.width += hi - lo
		}
		if !tagsMatch(tags, m.Extra) {
			continue
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Specificity order. Every entry constrains every key field under a
	// frozen scheme, so the exact-match count never differs; narrower total
	// range width wins, recency breaks remaining ties.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].width != matches[j].width {
			return matches[i].width < matches[j].width
		}
		return matches[i].Seq > matches[j].Seq
	})
	return matches, nil
}

func tagsMatch(tags, extra map[string]any) bool {
	for k, want := range tags {
		got, ok := extra[k]
		if !ok {
			return false
		}
		nw, err1 := normKey(want)
		ng, err2 := normKey(got)
		if err1 != nil || err2 != nil || nw != ng {
			return false
		}
	}
	return true
}

// Count reports the number of entries; superseded rows are included only
// when asked for (audit history).
func (ix *Index) Count(includeSuperseded bool) (int64, error) {
	if !ix.frozen {
		return 0, nil
	}
	q := "SELECT COUNT(*) FROM map"
	if !includeSuperseded {
		q += " WHERE superseded = 0"
	}
	var n int64
	if err := ix.db.QueryRow(q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
