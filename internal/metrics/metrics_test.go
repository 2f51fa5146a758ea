package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	DownloadEvents.Reset()
	PersistenceErrors.Reset()

	DownloadEvents.WithLabelValues("completed").Inc()
	PersistenceErrors.WithLabelValues("apply").Add(2)
	ActiveDownloads.Set(3)

	expectedEvents := `# HELP modeldl_download_events_total Count of progress events published, by status.
# TYPE modeldl_download_events_total counter
modeldl_download_events_total{status="completed"} 1
`
	if err := testutil.CollectAndCompare(DownloadEvents, strings.NewReader(expectedEvents)); err != nil {
		t.Fatalf("unexpected events metric: %v", err)
	}

	expectedErrors := `# HELP modeldl_persistence_errors_total Failed state store operations.
# TYPE modeldl_persistence_errors_total counter
modeldl_persistence_errors_total{op="apply"} 2
`
	if err := testutil.CollectAndCompare(PersistenceErrors, strings.NewReader(expectedErrors)); err != nil {
		t.Fatalf("unexpected persistence errors metric: %v", err)
	}

	if got := testutil.ToFloat64(ActiveDownloads); got != 3 {
		t.Fatalf("active downloads = %v, want 3", got)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	Register(reg)
}
