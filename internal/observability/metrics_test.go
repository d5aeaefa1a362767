package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, reg, "test")

	m.ObserveChannelRequest("SAVE_SNAPSHOT", "ok")
	m.ObserveChannelRequest("SAVE_SNAPSHOT", "ok")
	m.ObserveScan("unchanged")
	m.ObserveUpload("create", 120*time.Millisecond)
	m.ObserveTokenAcquisition("refresh")
	m.ObserveRemoteError(403)
	m.ChannelOpened()

	if got := testutil.ToFloat64(m.ChannelRequests.WithLabelValues("SAVE_SNAPSHOT", "ok")); got != 2 {
		t.Fatalf("channel requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RemoteErrors.WithLabelValues("403")); got != 1 {
		t.Fatalf("remote errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChannelConnections); got != 1 {
		t.Fatalf("channel connections = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_uploads_total{mode="create"} 1`) {
		t.Fatalf("metrics body missing uploads counter:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveChannelRequest("PING", "ok")
	m.ObserveScan("uploaded")
	m.ObserveUpload("update", time.Second)
	m.ObserveTokenAcquisition("cached")
	m.ObserveRemoteError(500)
	m.ChannelOpened()
	m.ChannelClosed()
	if m.Handler() == nil {
		t.Fatalf("Handler() = nil")
	}
}
