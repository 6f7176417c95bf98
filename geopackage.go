// Package geopackage reads GeoPackage geometry blobs into orb geometries.
// It decodes the binary geometry header (magic, version, flags, srs id and
// optional envelope), hands the embedded WKB to a WKBDecoder, and can assemble
// SQL query results into geojson.FeatureCollection tables.
package geopackage

import (
	"errors"
	"fmt"
	"strconv"
)

// Header decoding errors. A *FormatError returned by this package unwraps to
// exactly one of these.
var (
	ErrBadMagic                 = errors.New("geopackage: bad geometry magic")
	ErrUnsupportedVersion       = errors.New("geopackage: unsupported geometry version")
	ErrReservedBitsSet          = errors.New("geopackage: reserved flag bits set")
	ErrInvalidEnvelopeIndicator = errors.New("geopackage: invalid envelope indicator")
	ErrTruncatedBuffer          = errors.New("geopackage: truncated geometry buffer")
)

// Common errors returned by the query layer.
var (
	ErrInvalidWKB            = errors.New("geopackage: invalid wkb payload")
	ErrMissingGeometryColumn = errors.New("geopackage: query missing geometry column")
	ErrNotBlob               = errors.New("geopackage: geometry value is not a blob")
	ErrPropertyMismatch      = errors.New("geopackage: property type mismatch")
)

// FormatError describes a malformed geometry header.
type FormatError struct {
	Kind   error  // one of the header decoding errors above
	Offset int    // byte offset the problem was detected at
	Value  int    // offending value, or required length for ErrTruncatedBuffer
	Detail string // optional human readable context
}

func (e *FormatError) Error() string {
	msg := e.Kind.Error() + " at offset " + strconv.Itoa(e.Offset)
	switch {
	case e.Detail != "":
		msg += ": " + e.Detail
	case errors.Is(e.Kind, ErrUnsupportedVersion):
		msg += fmt.Sprintf(": version %d", e.Value)
	case errors.Is(e.Kind, ErrReservedBitsSet):
		msg += fmt.Sprintf(": flags %#08b", e.Value)
	case errors.Is(e.Kind, ErrInvalidEnvelopeIndicator):
		msg += fmt.Sprintf(": indicator %d", e.Value)
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Kind }

func quoteMagic(b []byte) string {
	return "got " + strconv.Quote(string(b))
}

func lengthDetail(need, have int) string {
	return fmt.Sprintf("need %d bytes, have %d", need, have)
}

// CRS represents a coordinate reference system.
type CRS struct {
	Code        int    // organization coordsys id (e.g., 4326 for WGS84)
	SRSID       int    // srs_id as stored in the GeoPackage
	Org         string // defining organization, usually "EPSG"
	Name        string // CRS name
	Description string // CRS description
	WKT         string // Well-Known Text representation
}

// WGS84 returns the standard WGS84 CRS (EPSG:4326).
func WGS84() *CRS {
	return &CRS{
		Code:  4326,
		SRSID: 4326,
		Org:   "EPSG",
		Name:  "WGS 84",
	}
}

// String returns the CRS as an "ORG:code" identifier.
func (c *CRS) String() string {
	if c == nil {
		return ""
	}
	org := c.Org
	if org == "" {
		org = "EPSG"
	}
	return org + ":" + strconv.Itoa(c.Code)
}

// CRSPolicy decides which CRS a query Result carries.
type CRSPolicy int

const (
	// FallbackFirstRow resolves the srs id of the first decoded geometry
	// when Options.CRS is nil.
	FallbackFirstRow CRSPolicy = iota
	// ExplicitOnly uses Options.CRS and never looks at row srs ids.
	ExplicitOnly
)

// Options configures query result assembly.
type Options struct {
	GeometryColumn string     // column holding geometry blobs (default "geom")
	CRS            *CRS       // overrides the srs id found in the data
	CRSPolicy      CRSPolicy  // how to choose a CRS when CRS is nil
	Decoder        WKBDecoder // WKB payload decoder (default WKB)
	Resolver       SRSResolver
	Metrics        *Metrics
}

// DefaultGeometryColumn is the geometry column name used when none is set.
const DefaultGeometryColumn = "geom"

// DefaultOptions returns default options for reading query results.
func DefaultOptions() *Options {
	return &Options{
		GeometryColumn: DefaultGeometryColumn,
		CRSPolicy:      FallbackFirstRow,
		Decoder:        WKB,
	}
}

// ColumnInfo describes a property column of a query result.
type ColumnInfo struct {
	Name     string // Column name
	Type     string // Column type ("Bool", "Long", "Double", "String", "Binary", etc.)
	DBType   string // Declared database type, if the driver reports one
	Nullable bool   // Whether the column contained or may contain null values
}
