package geopackage

import (
	"fmt"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// WKBDecoder turns a well-known binary payload into an orb.Geometry.
type WKBDecoder interface {
	Decode(payload []byte) (orb.Geometry, error)
}

// WKBDecoderFunc adapts a function to the WKBDecoder interface.
type WKBDecoderFunc func(payload []byte) (orb.Geometry, error)

// Decode calls f(payload).
func (f WKBDecoderFunc) Decode(payload []byte) (orb.Geometry, error) { return f(payload) }

// WKB is the default decoder, backed by orb's wkb package.
var WKB WKBDecoder = WKBDecoderFunc(wkb.Unmarshal)

// ReadGeometry decodes a GeoPackage geometry blob. A nil dec uses WKB.
// Header errors are returned unchanged; payload errors wrap ErrInvalidWKB.
func ReadGeometry(buf []byte, dec WKBDecoder) (orb.Geometry, *GeometryHeader, error) {
	h, payload, err := Decode(buf)
	if err != nil {
		return nil, nil, err
	}
	if dec == nil {
		dec = WKB
	}

	geom, err := dec.Decode(payload)
	if err != nil {
		return nil, h, fmt.Errorf("%w: %v", ErrInvalidWKB, err)
	}
	return geom, h, nil
}

// Bound returns the XY extent of the envelope.
func (e *Envelope) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{e.MinX, e.MinY},
		Max: orb.Point{e.MaxX, e.MaxY},
	}
}

// Bound returns the header envelope as an orb.Bound. The second result is
// false when the blob carries no envelope.
func (h *GeometryHeader) Bound() (orb.Bound, bool) {
	if h.Envelope == nil {
		return orb.Bound{}, false
	}
	return h.Envelope.Bound(), true
}

// fgbGeometryType maps an orb geometry to its FlatGeobuf type.
func fgbGeometryType(geom orb.Geometry) flattypes.GeometryType {
	switch geom.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.MultiPoint:
		return flattypes.GeometryTypeMultiPoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	case orb.MultiLineString:
		return flattypes.GeometryTypeMultiLineString
	case orb.Ring, orb.Polygon, orb.Bound:
		return flattypes.GeometryTypePolygon
	case orb.MultiPolygon:
		return flattypes.GeometryTypeMultiPolygon
	case orb.Collection:
		return flattypes.GeometryTypeGeometryCollection
	default:
		return flattypes.GeometryTypeUnknown
	}
}

// collectionGeometryType returns the shared FlatGeobuf type of geoms, or
// Unknown when they are mixed. Nil geometries are ignored.
func collectionGeometryType(geoms []orb.Geometry) flattypes.GeometryType {
	t := flattypes.GeometryTypeUnknown
	seen := false
	for _, g := range geoms {
		if g == nil {
			continue
		}
		gt := fgbGeometryType(g)
		if !seen {
			t, seen = gt, true
			continue
		}
		if gt != t {
			return flattypes.GeometryTypeUnknown
		}
	}
	return t
}

// fgbGeometry builds the FlatGeobuf geometry for geom, or nil when geom is
// nil or of an unsupported type.
func fgbGeometry(geom orb.Geometry, b *flatbuffers.Builder) *writer.Geometry {
	if geom == nil {
		return nil
	}

	g := writer.NewGeometry(b)
	g.SetType(fgbGeometryType(geom))

	switch v := geom.(type) {
	case orb.Point:
		g.SetXY([]float64{v[0], v[1]})
	case orb.MultiPoint:
		xy, _ := flattenParts([]orb.Point(v))
		g.SetXY(xy)
	case orb.LineString:
		xy, _ := flattenParts([]orb.Point(v))
		g.SetXY(xy)
	case orb.Ring:
		xy, ends := flattenParts([]orb.Point(v))
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.MultiLineString:
		parts := make([][]orb.Point, len(v))
		for i, ls := range v {
			parts[i] = ls
		}
		xy, ends := flattenParts(parts...)
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.Polygon:
		xy, ends := flattenPolygon(v)
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.Bound:
		xy, ends := flattenPolygon(v.ToPolygon())
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.MultiPolygon:
		parts := make([]writer.Geometry, 0, len(v))
		for _, poly := range v {
			if pg := fgbGeometry(poly, b); pg != nil {
				parts = append(parts, *pg)
			}
		}
		g.SetParts(parts)
	case orb.Collection:
		parts := make([]writer.Geometry, 0, len(v))
		for _, child := range v {
			if cg := fgbGeometry(child, b); cg != nil {
				parts = append(parts, *cg)
			}
		}
		g.SetParts(parts)
	default:
		return nil
	}

	return g
}

func flattenPolygon(p orb.Polygon) ([]float64, []uint32) {
	parts := make([][]orb.Point, len(p))
	for i, r := range p {
		parts[i] = r
	}
	return flattenParts(parts...)
}

// flattenParts interleaves the coordinates of parts and records the
// cumulative point count at the end of each part.
func flattenParts(parts ...[]orb.Point) ([]float64, []uint32) {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	xy := make([]float64, 0, n*2)
	ends := make([]uint32, 0, len(parts))
	for _, p := range parts {
		for _, pt := range p {
			xy = append(xy, pt[0], pt[1])
		}
		ends = append(ends, uint32(len(xy)/2))
	}
	return xy, ends
}
