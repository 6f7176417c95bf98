package geopackage

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrEmptyResult is returned when exporting a result without features.
var ErrEmptyResult = errors.New("geopackage: result has no features")

// ExportOptions configures FlatGeobuf export.
type ExportOptions struct {
	Name         string // Layer name
	Description  string // Layer description
	IncludeIndex bool   // Include packed R-tree index
	CRS          *CRS   // Overrides the result CRS (optional)
}

// DefaultExportOptions returns default options for FlatGeobuf export.
func DefaultExportOptions() *ExportOptions {
	return &ExportOptions{
		IncludeIndex: true,
	}
}

// WriteFlatGeobuf writes a query result to w in FlatGeobuf format.
// Features without a geometry are skipped.
func WriteFlatGeobuf(w io.Writer, res *Result, opts *ExportOptions) error {
	if opts == nil {
		opts = DefaultExportOptions()
	}
	if res == nil || res.Features == nil || len(res.Features.Features) == 0 {
		return ErrEmptyResult
	}

	features := make([]*geojson.Feature, 0, len(res.Features.Features))
	geoms := make([]orb.Geometry, 0, len(res.Features.Features))
	props := make([][]byte, 0, len(res.Features.Features))
	for _, f := range res.Features.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		p, err := encodeProperties(f.Properties, res.Columns)
		if err != nil {
			return err
		}
		features = append(features, f)
		geoms = append(geoms, f.Geometry)
		props = append(props, p)
	}
	if len(features) == 0 {
		return ErrEmptyResult
	}

	builder := flatbuffers.NewBuilder(4096)

	header := writer.NewHeader(builder)
	header.SetGeometryType(collectionGeometryType(geoms))
	if opts.Name != "" {
		header.SetName(opts.Name)
	}
	if opts.Description != "" {
		header.SetDescription(opts.Description)
	}
	if cols := fgbColumns(res.Columns, builder); len(cols) > 0 {
		header.SetColumns(cols)
	}

	crs := res.CRS
	if opts.CRS != nil {
		crs = opts.CRS
	}
	if crs != nil {
		header.SetCrs(fgbCrs(crs, builder))
	}

	gen := &resultFeatureGenerator{features: features, props: props}
	_, err := writer.NewWriter(header, opts.IncludeIndex, gen, nil).Write(w)
	return err
}

func fgbCrs(c *CRS, builder *flatbuffers.Builder) *writer.Crs {
	crs := writer.NewCrs(builder)
	org := c.Org
	if org == "" {
		org = "EPSG"
	}
	crs.SetOrg(org)
	if c.Code > 0 {
		crs.SetCode(int32(c.Code))
	}
	if c.Name != "" {
		crs.SetName(c.Name)
	}
	switch {
	case c.Description != "":
		crs.SetDescription(c.Description)
	case c.WKT != "":
		crs.SetDescription(c.WKT)
	}
	return crs
}

// resultFeatureGenerator feeds decoded features to the FlatGeobuf writer.
type resultFeatureGenerator struct {
	features []*geojson.Feature
	props    [][]byte
	index    int
}

func (g *resultFeatureGenerator) Generate() *writer.Feature {
	for g.index < len(g.features) {
		f, p := g.features[g.index], g.props[g.index]
		g.index++

		builder := flatbuffers.NewBuilder(1024)
		geom := fgbGeometry(f.Geometry, builder)
		if geom == nil {
			continue // unsupported geometry type
		}

		feature := writer.NewFeature(builder)
		feature.SetGeometry(geom)
		if len(p) > 0 {
			feature.SetProperties(p)
		}
		return feature
	}
	return nil
}

// WriteGeoJSON writes the result features to w as a GeoJSON
// FeatureCollection.
func WriteGeoJSON(w io.Writer, res *Result) error {
	if res == nil || res.Features == nil {
		return ErrEmptyResult
	}
	return json.NewEncoder(w).Encode(res.Features)
}
