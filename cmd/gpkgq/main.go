// Command gpkgq runs a SQL query against a GeoPackage and writes the
// features as GeoJSON or FlatGeobuf, optionally serving them over HTTP.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	geopackage "github.com/tingold/orb-geopackage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gpkgq: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics, err := geopackage.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts := geopackage.DefaultOptions()
	opts.GeometryColumn = cfg.GeomColumn
	opts.Metrics = metrics
	if cfg.CRS != 0 {
		opts.CRS = &geopackage.CRS{Code: cfg.CRS, SRSID: cfg.CRS, Org: "EPSG"}
	}

	r, err := geopackage.Open(cfg.DB, opts)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if cfg.List {
		return listColumns(ctx, r, stdout)
	}

	var res *geopackage.Result
	if cfg.Table != "" {
		res, err = r.Table(ctx, cfg.Table)
	} else {
		res, err = r.Query(ctx, cfg.SQL)
	}
	if err != nil {
		return err
	}

	for _, rowErr := range res.Errors {
		logger.Warn().
			Int("row", rowErr.Row).
			Str("kind", geopackage.ErrorKind(rowErr.Err)).
			Err(rowErr.Err).
			Msg("skipped row")
	}
	logger.Info().
		Int("features", len(res.Features.Features)).
		Int("null_geometries", res.NullGeometries).
		Int("errors", len(res.Errors)).
		Str("crs", res.CRS.String()).
		Bool("mixed_srid", res.MixedSRID).
		Msg("query finished")

	if cfg.Serve != "" {
		return serve(ctx, logger, cfg, res, reg)
	}

	data, err := encode(res, cfg)
	if err != nil {
		return err
	}

	if cfg.Out == "" || cfg.Out == "-" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(cfg.Out, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info().Str("path", cfg.Out).Int("bytes", len(data)).Msg("wrote output")
	return nil
}

func parseArgs(args []string) (config, error) {
	fs := flag.NewFlagSet("gpkgq", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")

	var flags config
	fs.StringVar(&flags.DB, "db", "", "GeoPackage file to read")
	fs.StringVar(&flags.SQL, "sql", "", "SQL query selecting the geometry column")
	fs.StringVar(&flags.Table, "table", "", "feature table to read in full")
	fs.StringVar(&flags.GeomColumn, "geom", "geom", "geometry column name for -sql")
	fs.StringVar(&flags.Format, "format", "geojson", "output format: geojson | fgb")
	fs.StringVar(&flags.Out, "out", "", "output path (default stdout)")
	fs.StringVar(&flags.Serve, "serve", "", "serve the result on this address instead of writing it")
	fs.BoolVar(&flags.List, "list", false, "list registered geometry columns and exit")
	fs.StringVar(&flags.LogLevel, "log-level", "info", "log level: debug | info | warn | error")
	fs.StringVar(&flags.LayerName, "layer", "", "FlatGeobuf layer name")
	fs.BoolVar(&flags.IncludeIndex, "index", true, "include a spatial index in FlatGeobuf output")
	fs.IntVar(&flags.CRS, "crs", 0, "EPSG code overriding the srs id found in the data")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath, cfg); err != nil {
			return config{}, err
		}
	}

	// Flags given on the command line override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DB = flags.DB
		case "sql":
			cfg.SQL = flags.SQL
		case "table":
			cfg.Table = flags.Table
		case "geom":
			cfg.GeomColumn = flags.GeomColumn
		case "format":
			cfg.Format = flags.Format
		case "out":
			cfg.Out = flags.Out
		case "serve":
			cfg.Serve = flags.Serve
		case "list":
			cfg.List = flags.List
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "layer":
			cfg.LayerName = flags.LayerName
		case "index":
			cfg.IncludeIndex = flags.IncludeIndex
		case "crs":
			cfg.CRS = flags.CRS
		}
	})

	return cfg, cfg.validate()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "gpkgq").Logger()
}

func encode(res *geopackage.Result, cfg config) ([]byte, error) {
	var buf bytes.Buffer
	switch cfg.Format {
	case "fgb":
		err := geopackage.WriteFlatGeobuf(&buf, res, &geopackage.ExportOptions{
			Name:         cfg.LayerName,
			IncludeIndex: cfg.IncludeIndex,
		})
		if err != nil {
			return nil, fmt.Errorf("encode flatgeobuf: %w", err)
		}
	default:
		if err := geopackage.WriteGeoJSON(&buf, res); err != nil {
			return nil, fmt.Errorf("encode geojson: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func listColumns(ctx context.Context, r *geopackage.Reader, w io.Writer) error {
	cols, err := r.GeometryColumns(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tCOLUMN\tTYPE\tSRS_ID")
	for _, c := range cols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Table, c.Column, c.GeometryType, c.SRSID)
	}
	return tw.Flush()
}

func serve(ctx context.Context, logger zerolog.Logger, cfg config, res *geopackage.Result, reg *prometheus.Registry) error {
	fgbCfg, jsonCfg := cfg, cfg
	fgbCfg.Format, jsonCfg.Format = "fgb", "geojson"

	fgbData, err := encode(res, fgbCfg)
	if err != nil {
		return err
	}
	jsonData, err := encode(res, jsonCfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/data.fgb", staticHandler("application/octet-stream", fgbData))
	mux.HandleFunc("/data.geojson", staticHandler("application/geo+json", jsonData))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Serve,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Serve).Msg("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func staticHandler(contentType string, data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write(data)
	}
}
