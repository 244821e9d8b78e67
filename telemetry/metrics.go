package telemetry

import (
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "querygate"

var DefaultHistogramBuckets = []float64{
	0.05, // 50 ms
	0.1,
	0.25,
	0.5,
	1,
	2.5,
	5,
	10,
	20,
	35, // dispatch deadline
}

var (
	MetricUnexpectedPanicTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unexpected_panic_total",
		Help:      "Total number of unexpected panics.",
	}, []string{"scope", "extra", "error"})

	MetricHttpRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_total",
		Help:      "Total number of http requests handled, by route and status code.",
	}, []string{"route", "status"})

	MetricRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total number of query requests rejected by admission control.",
	}, []string{"route"})

	MetricRateLimiterErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limiter_errors_total",
		Help:      "Total number of admission checks that could not reach the shared store.",
	}, []string{"tier"})

	MetricDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Total number of query dispatches, by outcome.",
	}, []string{"outcome"})

	MetricOrderSelectionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_selection_total",
		Help:      "Total number of order selections, by order kind and whether the freshness filter or the fallback produced the result.",
	}, []string{"kind", "outcome"})

	MetricIndexerMetadataFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexer_metadata_fetch_total",
		Help:      "Total number of indexer metadata fetches, by result.",
	}, []string{"result"})

	MetricIndexerRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexer_request_total",
		Help:      "Total number of queries forwarded to indexers by order managers, by order kind and result.",
	}, []string{"kind", "result"})

	MetricChainHeightRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_height_refresh_total",
		Help:      "Total number of chain head height refreshes, by result.",
	}, []string{"result"})

	MetricScoreUpdateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "score_update_total",
		Help:      "Total number of reputation score reports, by health and whether a write happened.",
	}, []string{"healthy", "written"})

	MetricOrderManagersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "order_managers_active",
		Help:      "Number of order managers currently registered.",
	})

	MetricMetadataCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "indexer_metadata_cache_size",
		Help:      "Number of (indexer, deployment) pairs tracked by the metadata sweep.",
	})
)

var MetricDispatchDuration *prometheus.HistogramVec

func init() {
	if err := SetHistogramBuckets(""); err != nil {
		panic(err)
	}
}

// SetHistogramBuckets (re)creates the duration histograms with the given comma separated buckets.
func SetHistogramBuckets(bucketsStr string) error {
	buckets, err := ParseHistogramBuckets(bucketsStr)
	if err != nil {
		return err
	}

	if MetricDispatchDuration != nil {
		prometheus.DefaultRegisterer.Unregister(MetricDispatchDuration)
	}
	MetricDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of query dispatches including order resolution and failover.",
		Buckets:   buckets,
	}, []string{"outcome"})

	return nil
}

func ParseHistogramBuckets(bucketsStr string) ([]float64, error) {
	if bucketsStr == "" {
		return DefaultHistogramBuckets, nil
	}

	parts := strings.Split(bucketsStr, ",")
	buckets := make([]float64, 0, len(parts))

	for _, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, value)
	}

	sort.Float64s(buckets)
	return buckets, nil
}
