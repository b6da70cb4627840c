package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCounters(t *testing.T) {
	before := testutil.ToFloat64(AuditWriteFailures)
	AuditWriteFailures.Inc()
	if got := testutil.ToFloat64(AuditWriteFailures); got != before+1 {
		t.Fatalf("expected counter to advance, got %v", got)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	// a second call must not re-register
	_ = Handler()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), "agentkyc_audit_write_failures_total") {
		t.Fatalf("metrics output missing audit counter")
	}
}
