package geopackage

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records decode and query outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Decoded       prometheus.Counter
	DecodeErrors  *prometheus.CounterVec
	QueryDuration prometheus.Histogram
}

// NewMetrics registers the package metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry returns collectors sharing the existing series.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	decoded, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpkg_geometries_decoded_total",
		Help: "Total number of geometry blobs decoded successfully.",
	}), "gpkg_geometries_decoded_total")
	if err != nil {
		return nil, err
	}

	decodeErrors, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpkg_decode_errors_total",
		Help: "Total number of geometry blobs that failed to decode, labeled by error kind.",
	}, []string{"kind"}), "gpkg_decode_errors_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gpkg_query_duration_seconds",
		Help:    "Time spent running a query and assembling its features.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}), "gpkg_query_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Decoded:       decoded,
		DecodeErrors:  decodeErrors,
		QueryDuration: duration,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func (m *Metrics) observeDecode(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.Decoded.Inc()
		return
	}
	m.DecodeErrors.WithLabelValues(ErrorKind(err)).Inc()
}

func (m *Metrics) observeQuery(start time.Time) {
	if m == nil {
		return
	}
	m.QueryDuration.Observe(time.Since(start).Seconds())
}

// ErrorKind returns a short label for a decode error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, ErrReservedBitsSet):
		return "reserved_bits"
	case errors.Is(err, ErrInvalidEnvelopeIndicator):
		return "envelope_indicator"
	case errors.Is(err, ErrTruncatedBuffer):
		return "truncated"
	case errors.Is(err, ErrInvalidWKB):
		return "wkb"
	case errors.Is(err, ErrNotBlob):
		return "not_blob"
	default:
		return "other"
	}
}
