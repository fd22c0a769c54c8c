package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordToolExecution(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordToolExecution("search_web", "success", 0.25)
	metrics.RecordToolExecution("search_web", "success", 0.5)
	metrics.RecordToolExecution("scrape_urls", "error", 1.0)

	expected := `
		# HELP scout_tool_executions_total Total number of tool executions by tool and status
		# TYPE scout_tool_executions_total counter
		scout_tool_executions_total{status="error",tool="scrape_urls"} 1
		scout_tool_executions_total{status="success",tool="search_web"} 2
	`
	if err := testutil.CollectAndCompare(metrics.ToolExecutions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}

	if count := testutil.CollectAndCount(metrics.ToolDuration); count != 2 {
		t.Errorf("duration series = %d, want 2", count)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordProviderRequest("scraper", "success")
	metrics.RecordProviderRequest("scraper", "rate_limited")
	metrics.RecordProviderRequest("scraper", "rate_limited")

	expected := `
		# HELP scout_provider_requests_total Total number of provider requests by provider and outcome
		# TYPE scout_provider_requests_total counter
		scout_provider_requests_total{outcome="rate_limited",provider="scraper"} 2
		scout_provider_requests_total{outcome="success",provider="scraper"} 1
	`
	if err := testutil.CollectAndCompare(metrics.ProviderRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
}

func TestAddRetryAttempts(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.AddRetryAttempts("search", 3)
	metrics.AddRetryAttempts("search", 1)
	metrics.AddRetryAttempts("search", 0)  // ignored
	metrics.AddRetryAttempts("search", -2) // ignored

	expected := `
		# HELP scout_retry_attempts_total Total number of attempts consumed by provider operations
		# TYPE scout_retry_attempts_total counter
		scout_retry_attempts_total{provider="search"} 4
	`
	if err := testutil.CollectAndCompare(metrics.RetryAttempts, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
}

func TestTrackFanoutTask(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	done1 := metrics.TrackFanoutTask()
	done2 := metrics.TrackFanoutTask()

	if got := testutil.ToFloat64(metrics.FanoutInFlight); got != 2 {
		t.Errorf("in flight = %v, want 2", got)
	}

	done1()
	done2()

	if got := testutil.ToFloat64(metrics.FanoutInFlight); got != 0 {
		t.Errorf("in flight after done = %v, want 0", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var metrics *Metrics

	// None of these may panic.
	metrics.RecordToolExecution("x", "success", 1)
	metrics.RecordProviderRequest("x", "success")
	metrics.AddRetryAttempts("x", 2)
	done := metrics.TrackFanoutTask()
	done()
}
