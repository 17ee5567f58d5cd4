package promadapter_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantfleet/loadgen/observability/promadapter"
)

func Test_Collector_IncrementCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := promadapter.NewCollector(registry, "loadgen")
	labels := map[string]string{"database": "tenant_db_alpha", "operation": "advance-order-status"}

	collector.IncrementCounter("workload_operations_total", labels)
	collector.IncrementCounter("workload_operations_total", labels)

	expected := `
# HELP loadgen_workload_operations_total Operation counter
# TYPE loadgen_workload_operations_total counter
loadgen_workload_operations_total{database="tenant_db_alpha",operation="advance-order-status"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "loadgen_workload_operations_total"))
}

func Test_Collector_When_LabelSetDiffers_Should_DropSample(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := promadapter.NewCollector(registry, "loadgen")

	collector.IncrementCounter("workload_connection_invalidations_total", map[string]string{"database": "a"})
	collector.IncrementCounter("workload_connection_invalidations_total", map[string]string{"other": "b"})

	count, err := testutil.GatherAndCount(registry, "loadgen_workload_connection_invalidations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func Test_Collector_RecordDurationAndValue(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := promadapter.NewCollector(registry, "loadgen")

	collector.RecordDuration("migration_apply_duration_seconds", 20*time.Millisecond, map[string]string{"database": "a"})
	collector.RecordValue("workload_active_units", 2, map[string]string{})

	count, err := testutil.GatherAndCount(registry, "loadgen_migration_apply_duration_seconds", "loadgen_workload_active_units")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func Test_Collector_When_SameNameRegisteredTwice_Should_ReuseExisting(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := promadapter.NewCollector(registry, "loadgen")
	second := promadapter.NewCollector(registry, "loadgen")
	labels := map[string]string{"database": "a"}

	first.IncrementCounter("migrations_applied_total", labels)
	second.IncrementCounter("migrations_applied_total", labels)

	expected := `
# HELP loadgen_migrations_applied_total Operation counter
# TYPE loadgen_migrations_applied_total counter
loadgen_migrations_applied_total{database="a"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "loadgen_migrations_applied_total"))
}

func Test_MetricsEndpoint_Serves_RegisteredMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	promadapter.NewCollector(registry, "loadgen").IncrementCounter("migrations_applied_total", map[string]string{"database": "a"})

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `loadgen_migrations_applied_total{database="a"} 1`)
}
