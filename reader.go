package geopackage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver Open uses.
const DriverName = "sqlite"

// Reader runs queries against a GeoPackage and decodes the geometry column
// of each result row.
type Reader struct {
	db    *sql.DB
	opts  *Options
	owned bool
}

// RowError records a row whose geometry could not be decoded. Sibling rows
// are still returned.
type RowError struct {
	Row int // zero based row number within the result set
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

// Result is a decoded query result.
type Result struct {
	Features *geojson.FeatureCollection
	Columns  []ColumnInfo // property columns, geometry column excluded
	CRS      *CRS

	SRID      int16 // srs id of the first decoded geometry
	MixedSRID bool  // rows carried more than one srs id

	// NullGeometries counts features whose geometry cell was NULL or empty.
	// They are kept in Features with a nil geometry.
	NullGeometries int
	Errors         []RowError
}

// Open opens the GeoPackage at path with the pure Go SQLite driver.
func Open(path string, opts *Options) (*Reader, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open geopackage: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open geopackage: %w", err)
	}

	r := NewReader(db, opts)
	r.owned = true
	return r, nil
}

// NewReader wraps an existing database handle. The caller keeps ownership
// of db.
func NewReader(db *sql.DB, opts *Options) *Reader {
	o := DefaultOptions()
	if opts != nil {
		*o = *opts
		if o.GeometryColumn == "" {
			o.GeometryColumn = DefaultGeometryColumn
		}
		if o.Decoder == nil {
			o.Decoder = WKB
		}
	}
	return &Reader{db: db, opts: o}
}

// DB returns the underlying database handle.
func (r *Reader) DB() *sql.DB { return r.db }

// Close releases the database if it was opened by Open.
func (r *Reader) Close() error {
	if r.owned && r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query runs query and assembles the result rows into features. The
// geometry column becomes the feature geometry; every other column becomes
// a property. A row with an undecodable geometry is recorded in
// Result.Errors and does not stop the query.
func (r *Reader) Query(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	start := time.Now()
	defer r.opts.Metrics.observeQuery(start)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query geopackage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query geopackage: %w", err)
	}

	geomIdx := -1
	for i, n := range names {
		if strings.EqualFold(n, r.opts.GeometryColumn) {
			geomIdx = i
			break
		}
	}
	if geomIdx < 0 {
		return nil, fmt.Errorf("%w %q", ErrMissingGeometryColumn, r.opts.GeometryColumn)
	}

	propNames := make([]string, 0, len(names)-1)
	propIdx := make([]int, 0, len(names)-1)
	for i, n := range names {
		if i != geomIdx {
			propNames = append(propNames, n)
			propIdx = append(propIdx, i)
		}
	}

	var dbTypes []string
	if types, err := rows.ColumnTypes(); err == nil {
		for _, i := range propIdx {
			dbTypes = append(dbTypes, types[i].DatabaseTypeName())
		}
	}
	schema := newColumnSchema(propNames, dbTypes)

	res := &Result{Features: geojson.NewFeatureCollection()}
	haveSRID := false

	values := make([]interface{}, len(names))
	dest := make([]interface{}, len(names))
	for i := range values {
		dest[i] = &values[i]
	}

	for row := 0; rows.Next(); row++ {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row %d: %w", row, err)
		}

		geom, h, err := r.decodeValue(values[geomIdx])
		if err != nil {
			r.opts.Metrics.observeDecode(err)
			res.Errors = append(res.Errors, RowError{Row: row, Err: err})
			continue
		}

		f := geojson.NewFeature(geom)
		if geom == nil {
			res.NullGeometries++
		} else {
			r.opts.Metrics.observeDecode(nil)

			if !haveSRID {
				res.SRID, haveSRID = h.SRID, true
			} else if h.SRID != res.SRID {
				res.MixedSRID = true
			}
			if b, ok := h.Bound(); ok {
				f.BBox = geojson.NewBBox(b)
			}
		}
		for j, i := range propIdx {
			v := values[i]
			schema.observe(j, v)
			if v != nil {
				f.Properties[propNames[j]] = propertyValue(v)
			}
		}
		res.Features.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query geopackage: %w", err)
	}

	res.Columns = schema.columns()

	crs, err := r.resolveCRS(ctx, res, haveSRID)
	if err != nil {
		return nil, err
	}
	res.CRS = crs

	return res, nil
}

// decodeValue decodes one geometry cell. NULL and zero length cells yield
// a nil geometry.
func (r *Reader) decodeValue(v interface{}) (orb.Geometry, *GeometryHeader, error) {
	var buf []byte
	switch val := v.(type) {
	case nil:
		return nil, nil, nil
	case []byte:
		buf = val
	case string:
		buf = []byte(val)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrNotBlob, v)
	}
	if len(buf) == 0 {
		return nil, nil, nil
	}
	return ReadGeometry(buf, r.opts.Decoder)
}

// resolveCRS applies the configured CRS policy to a finished result.
func (r *Reader) resolveCRS(ctx context.Context, res *Result, haveSRID bool) (*CRS, error) {
	if r.opts.CRS != nil {
		crs := *r.opts.CRS
		return &crs, nil
	}
	if r.opts.CRSPolicy == ExplicitOnly || !haveSRID {
		return nil, nil
	}

	var resolver SRSResolver = r
	if r.opts.Resolver != nil {
		resolver = r.opts.Resolver
	}
	crs, err := resolver.ResolveSRS(ctx, int32(res.SRID))
	if err != nil {
		return nil, fmt.Errorf("resolve srs %d: %w", res.SRID, err)
	}
	return crs, nil
}

// Table reads every row of a feature table, using the geometry column
// registered for it in gpkg_geometry_columns.
func (r *Reader) Table(ctx context.Context, table string) (*Result, error) {
	cols, err := r.GeometryColumns(ctx)
	if err != nil {
		return nil, err
	}

	column := ""
	for _, c := range cols {
		if strings.EqualFold(c.Table, table) {
			column = c.Column
			break
		}
	}
	if column == "" {
		return nil, fmt.Errorf("table %q: %w", table, ErrMissingGeometryColumn)
	}

	tr := *r
	opts := *r.opts
	opts.GeometryColumn = column
	tr.opts = &opts
	tr.owned = false

	return tr.Query(ctx, "SELECT * FROM "+quoteIdent(table))
}

// ReadFile opens the GeoPackage at path, runs query and closes it again.
func ReadFile(ctx context.Context, path, query string, opts *Options) (*Result, error) {
	r, err := Open(path, opts)
	if err != nil {
		return nil, err
	}

	res, err := r.Query(ctx, query)
	if cerr := r.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Geometries returns the decoded geometries of a result.
func (res *Result) Geometries() []orb.Geometry {
	geoms := make([]orb.Geometry, 0, len(res.Features.Features))
	for _, f := range res.Features.Features {
		if f.Geometry != nil {
			geoms = append(geoms, f.Geometry)
		}
	}
	return geoms
}

// Bound returns the combined extent of every feature in the result.
func (res *Result) Bound() (orb.Bound, bool) {
	var b orb.Bound
	found := false
	for _, f := range res.Features.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			b, found = f.Geometry.Bound(), true
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b, found
}

// Err joins the per-row errors, or returns nil when every row decoded.
func (res *Result) Err() error {
	if len(res.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(res.Errors))
	for i, e := range res.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
