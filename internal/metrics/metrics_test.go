package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestSetCurrentShift(t *testing.T) {
	SetCurrentShift("morning")
	SetCurrentShift("night")

	if got := testutil.ToFloat64(CurrentShift.WithLabelValues("night")); got != 1 {
		t.Errorf("expected night gauge 1, got %v", got)
	}
	if got := testutil.CollectAndCount(CurrentShift); got != 1 {
		t.Errorf("expected a single shift series, got %d", got)
	}
}

func TestServerHandler(t *testing.T) {
	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	LaunchesTotal.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "shiftkiosk_launches_total") {
		t.Error("expected launches counter in /metrics output")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("unexpected /health response %d %q", rec.Code, rec.Body.String())
	}
}
