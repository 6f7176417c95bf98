package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type config struct {
	DB           string
	SQL          string
	Table        string
	GeomColumn   string
	Format       string
	Out          string
	Serve        string
	List         bool
	LogLevel     string
	LayerName    string
	IncludeIndex bool
	CRS          int
}

type fileConfig struct {
	DB           string `toml:"db"`
	SQL          string `toml:"sql"`
	Table        string `toml:"table"`
	GeomColumn   string `toml:"geom_column"`
	Format       string `toml:"format"`
	Out          string `toml:"out"`
	Serve        string `toml:"serve"`
	List         bool   `toml:"list"`
	LogLevel     string `toml:"log_level"`
	LayerName    string `toml:"layer_name"`
	IncludeIndex bool   `toml:"include_index"`
	CRS          int    `toml:"crs"`
}

func defaultConfig() config {
	return config{
		GeomColumn:   "geom",
		Format:       "geojson",
		LogLevel:     "info",
		IncludeIndex: true,
	}
}

// loadConfig overlays the keys present in the TOML file at path onto cfg.
func loadConfig(path string, cfg config) (config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("db") {
		cfg.DB = strings.TrimSpace(raw.DB)
	}
	if meta.IsDefined("sql") {
		cfg.SQL = strings.TrimSpace(raw.SQL)
	}
	if meta.IsDefined("table") {
		cfg.Table = strings.TrimSpace(raw.Table)
	}
	if meta.IsDefined("geom_column") {
		cfg.GeomColumn = strings.TrimSpace(raw.GeomColumn)
	}
	if meta.IsDefined("format") {
		cfg.Format = strings.ToLower(strings.TrimSpace(raw.Format))
	}
	if meta.IsDefined("out") {
		cfg.Out = strings.TrimSpace(raw.Out)
	}
	if meta.IsDefined("serve") {
		cfg.Serve = strings.TrimSpace(raw.Serve)
	}
	if meta.IsDefined("list") {
		cfg.List = raw.List
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("layer_name") {
		cfg.LayerName = strings.TrimSpace(raw.LayerName)
	}
	if meta.IsDefined("include_index") {
		cfg.IncludeIndex = raw.IncludeIndex
	}
	if meta.IsDefined("crs") {
		cfg.CRS = raw.CRS
	}

	return cfg, nil
}

func (c config) validate() error {
	if c.DB == "" {
		return errors.New("db is required")
	}
	if c.List {
		return nil
	}
	if c.SQL == "" && c.Table == "" {
		return errors.New("one of sql or table is required")
	}
	if c.SQL != "" && c.Table != "" {
		return errors.New("sql and table are mutually exclusive")
	}
	switch c.Format {
	case "geojson", "fgb":
	default:
		return fmt.Errorf("unknown format %q (want geojson or fgb)", c.Format)
	}
	return nil
}
