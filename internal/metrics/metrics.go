package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DownloadEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modeldl",
			Name:      "download_events_total",
			Help:      "Count of progress events published, by status.",
		},
		[]string{"status"},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modeldl",
			Name:      "active_downloads",
			Help:      "Number of transfers currently streaming.",
		},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modeldl",
			Name:      "bytes_downloaded_total",
			Help:      "Bytes written to partial files across all downloads.",
		},
	)

	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modeldl",
			Name:      "persistence_errors_total",
			Help:      "Failed state store operations.",
		},
		[]string{"op"},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modeldl",
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes run by the download manager.",
		},
		[]string{"kind"},
	)
)

// Register registers the collectors into the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(DownloadEvents, ActiveDownloads, BytesDownloaded, PersistenceErrors, Reconciliations)
}
