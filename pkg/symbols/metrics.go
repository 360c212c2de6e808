package symbols

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sizescope/sizescope/pkg/util"
)

type metrics struct {
	recordsScanned   prometheus.Counter
	malformedRecords prometheus.Counter
	foldGroups       prometheus.Gauge
	symbolsBuilt     prometheus.Counter
	typesBuilt       prometheus.Counter
	lookupDuration   *prometheus.HistogramVec
	nearestCache     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		recordsScanned: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sizescope",
			Name:      "records_scanned_total",
			Help:      "Raw provider records consumed by the canonicalization pass.",
		})),
		malformedRecords: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sizescope",
			Name:      "malformed_records_total",
			Help:      "Provider records rejected as geometrically or structurally invalid.",
		})),
		foldGroups: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sizescope",
			Name:      "fold_groups",
			Help:      "Canonicalized fold groups (addresses with more than one symbol).",
		})),
		symbolsBuilt: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sizescope",
			Name:      "symbols_built_total",
			Help:      "Symbol entities constructed and cached.",
		})),
		typesBuilt: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sizescope",
			Name:      "types_built_total",
			Help:      "Type symbols constructed and cached.",
		})),
		lookupDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sizescope",
			Name:      "lookup_duration_seconds",
			Help:      "Time spent answering lookup queries.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"query"})),
		nearestCache: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sizescope",
			Name:      "nearest_cache_requests_total",
			Help:      "Nearest-symbol cache requests by result.",
		}, []string{"result"})),
	}
}
