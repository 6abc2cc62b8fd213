package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReportTotal tracks report submissions by outcome
	ReportTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archodex_report_total",
			Help: "Total number of report submissions processed",
		},
		[]string{"status"},
	)

	// ReportOperationsTotal tracks graph operations committed by reports
	ReportOperationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archodex_report_operations_total",
			Help: "Total number of graph operations committed by reports",
		},
	)

	// QueryTotal tracks snapshot queries by filter
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archodex_query_total",
			Help: "Total number of snapshot queries served",
		},
		[]string{"filter"},
	)

	// KeyValidationTotal tracks report key validations by result
	KeyValidationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archodex_report_key_validation_total",
			Help: "Total number of report key validations",
		},
		[]string{"result"},
	)

	// ReportDuration tracks end-to-end report ingestion time
	ReportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archodex_report_duration_seconds",
			Help:    "Report ingestion duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(ReportTotal)
	prometheus.MustRegister(ReportOperationsTotal)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(KeyValidationTotal)
	prometheus.MustRegister(ReportDuration)
}
