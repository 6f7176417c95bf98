package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	geopackage "github.com/tingold/orb-geopackage"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigOverlaysDefinedKeys(t *testing.T) {
	path := writeFile(t, "gpkgq.toml", `
db = " data/world.gpkg "
table = "cities"
format = "FGB"
include_index = false
crs = 3857
`)

	cfg, err := loadConfig(path, defaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DB != "data/world.gpkg" {
		t.Fatalf("unexpected db: %q", cfg.DB)
	}
	if cfg.Table != "cities" {
		t.Fatalf("unexpected table: %q", cfg.Table)
	}
	if cfg.Format != "fgb" {
		t.Fatalf("unexpected format: %q", cfg.Format)
	}
	if cfg.IncludeIndex {
		t.Fatalf("expected index disabled")
	}
	if cfg.CRS != 3857 {
		t.Fatalf("unexpected crs: %d", cfg.CRS)
	}
	if cfg.GeomColumn != "geom" || cfg.LogLevel != "info" {
		t.Fatalf("expected defaults to survive, got %+v", cfg)
	}
}

func TestLoadConfigList(t *testing.T) {
	path := writeFile(t, "gpkgq.toml", `
db = "world.gpkg"
list = true
`)

	cfg, err := parseArgs([]string{"-config", path})
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if !cfg.List {
		t.Fatalf("expected list enabled from file")
	}

	cfg, err = parseArgs([]string{"-config", path, "-list=false", "-table", "cities"})
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if cfg.List {
		t.Fatalf("expected -list=false to override the file")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "gpkgq.toml", `dbb = "typo.gpkg"`)

	if _, err := loadConfig(path, defaultConfig()); err == nil || !strings.Contains(err.Error(), "dbb") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestParseArgsFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "gpkgq.toml", `
db = "from-file.gpkg"
sql = "SELECT * FROM a"
format = "fgb"
`)

	cfg, err := parseArgs([]string{"-config", path, "-db", "from-flag.gpkg", "-format", "geojson"})
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if cfg.DB != "from-flag.gpkg" {
		t.Fatalf("unexpected db: %q", cfg.DB)
	}
	if cfg.Format != "geojson" {
		t.Fatalf("unexpected format: %q", cfg.Format)
	}
	if cfg.SQL != "SELECT * FROM a" {
		t.Fatalf("unexpected sql: %q", cfg.SQL)
	}
}

func TestParseArgsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no db", []string{"-sql", "SELECT 1"}, "db is required"},
		{"no query", []string{"-db", "x.gpkg"}, "one of sql or table"},
		{"both", []string{"-db", "x.gpkg", "-sql", "SELECT 1", "-table", "t"}, "mutually exclusive"},
		{"format", []string{"-db", "x.gpkg", "-table", "t", "-format", "kml"}, "unknown format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArgs(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}

	if _, err := parseArgs([]string{"-db", "x.gpkg", "-list"}); err != nil {
		t.Fatalf("list needs only db: %v", err)
	}
}

// newGeoPackage writes a one-table GeoPackage with two points.
func newGeoPackage(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "points.gpkg")
	db, err := sql.Open(geopackage.DriverName, path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer func() { _ = db.Close() }()

	schema := `
CREATE TABLE gpkg_spatial_ref_sys (srs_name TEXT, srs_id INTEGER PRIMARY KEY, organization TEXT,
	organization_coordsys_id INTEGER, definition TEXT, description TEXT);
CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT, geometry_type_name TEXT,
	srs_id INTEGER, z TINYINT, m TINYINT);
INSERT INTO gpkg_geometry_columns VALUES ('points', 'geom', 'POINT', 4326, 0, 0);
CREATE TABLE points (fid INTEGER PRIMARY KEY, geom BLOB, label TEXT);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	for i, pt := range []orb.Point{{1, 2}, {3, 4}} {
		payload, err := wkb.Marshal(pt)
		if err != nil {
			t.Fatalf("wkb.Marshal: %v", err)
		}
		// little endian header, no envelope, srs id 4326
		blob := append([]byte{'G', 'P', 0, 0x01, 0xE6, 0x10, 0, 0}, payload...)
		if _, err := db.Exec(`INSERT INTO points (geom, label) VALUES (?, ?)`, blob, string(rune('a'+i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

func TestRunWritesGeoJSON(t *testing.T) {
	path := newGeoPackage(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-db", path, "-table", "points", "-log-level", "error"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(out.Bytes(), &fc); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(fc.Features))
	}
	if fc.Features[1].Properties.MustString("label") != "b" {
		t.Fatalf("unexpected properties: %v", fc.Features[1].Properties)
	}
}

func TestRunWritesFlatGeobufFile(t *testing.T) {
	path := newGeoPackage(t)
	outPath := filepath.Join(t.TempDir(), "points.fgb")

	args := []string{"-db", path, "-sql", "SELECT geom, label FROM points", "-format", "fgb", "-out", outPath, "-log-level", "error"}
	if err := run(context.Background(), args, &bytes.Buffer{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) < 8 || string(data[:3]) != "fgb" {
		t.Fatalf("expected FlatGeobuf magic, got %q", data[:min(len(data), 8)])
	}
}

func TestRunListsGeometryColumns(t *testing.T) {
	path := newGeoPackage(t)

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-db", path, "-list"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "points") || !strings.Contains(out.String(), "4326") {
		t.Fatalf("unexpected listing:\n%s", out.String())
	}
}
