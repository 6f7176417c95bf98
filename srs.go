package geopackage

import (
	"context"
	"database/sql"
	"fmt"
)

// SRSResolver looks up the coordinate reference system for a srs id.
type SRSResolver interface {
	ResolveSRS(ctx context.Context, srsID int32) (*CRS, error)
}

// SRSResolverFunc adapts a function to the SRSResolver interface.
type SRSResolverFunc func(ctx context.Context, srsID int32) (*CRS, error)

// ResolveSRS calls f(ctx, srsID).
func (f SRSResolverFunc) ResolveSRS(ctx context.Context, srsID int32) (*CRS, error) {
	return f(ctx, srsID)
}

// EPSGResolver maps every srs id straight to an EPSG code without any lookup.
var EPSGResolver SRSResolver = SRSResolverFunc(func(_ context.Context, srsID int32) (*CRS, error) {
	return &CRS{Code: int(srsID), SRSID: int(srsID), Org: "EPSG"}, nil
})

// ResolveSRS looks srsID up in gpkg_spatial_ref_sys. Ids that are not
// registered, and databases without a readable gpkg_spatial_ref_sys, resolve
// to a bare EPSG CRS of the same number. Only context errors are returned.
func (r *Reader) ResolveSRS(ctx context.Context, srsID int32) (*CRS, error) {
	const q = `SELECT srs_name, organization, organization_coordsys_id, definition, description
		FROM gpkg_spatial_ref_sys WHERE srs_id = ?`

	var (
		name, org, def string
		desc           sql.NullString
		code           int64
	)
	err := r.db.QueryRowContext(ctx, q, srsID).Scan(&name, &org, &code, &def, &desc)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("lookup gpkg_spatial_ref_sys: %w", ctxErr)
		}
		return EPSGResolver.ResolveSRS(ctx, srsID)
	}

	crs := &CRS{
		Code:        int(code),
		SRSID:       int(srsID),
		Org:         org,
		Name:        name,
		Description: desc.String,
	}
	if def != "undefined" {
		crs.WKT = def
	}
	return crs, nil
}

// GeometryColumn is a row of gpkg_geometry_columns.
type GeometryColumn struct {
	Table        string
	Column       string
	GeometryType string
	SRSID        int32
	Z            int // 0 prohibited, 1 mandatory, 2 optional
	M            int
}

// GeometryColumns lists the registered feature table geometry columns.
func (r *Reader) GeometryColumns(ctx context.Context) ([]GeometryColumn, error) {
	const q = `SELECT table_name, column_name, geometry_type_name, srs_id, z, m
		FROM gpkg_geometry_columns ORDER BY table_name`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list gpkg_geometry_columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cols []GeometryColumn
	for rows.Next() {
		var c GeometryColumn
		if err := rows.Scan(&c.Table, &c.Column, &c.GeometryType, &c.SRSID, &c.Z, &c.M); err != nil {
			return nil, fmt.Errorf("list gpkg_geometry_columns: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list gpkg_geometry_columns: %w", err)
	}
	return cols, nil
}
