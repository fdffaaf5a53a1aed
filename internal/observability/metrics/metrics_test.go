package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentIntent-Chain/internal/errors"
)

func TestCollectorRendersHTTPAndOperationSeries(t *testing.T) {
	c := newCollector()
	c.observe("/api/v1/intents", http.MethodPost, http.StatusCreated, 30*time.Millisecond)
	c.observe("/api/v1/intents", http.MethodPost, http.StatusInternalServerError, 2*time.Second)
	c.observeOperation("emit", "OK", 10*time.Millisecond)
	c.observeOperation("emit", "INVALID_NONCE", 20*time.Millisecond)
	c.events["intent.emitted"] = 3

	out := c.render()
	expected := []string{
		`intentd_http_requests_total{handler="/api/v1/intents",method="POST",code="201"} 1`,
		`intentd_http_request_errors_total{handler="/api/v1/intents",method="POST"} 1`,
		`intentd_http_request_duration_seconds_bucket{handler="/api/v1/intents",method="POST",le="0.05"} 1`,
		`intentd_http_request_duration_seconds_bucket{handler="/api/v1/intents",method="POST",le="+Inf"} 2`,
		`intentd_operations_total{op="emit",code="INVALID_NONCE"} 1`,
		`intentd_operations_total{op="emit",code="OK"} 1`,
		`intentd_operation_duration_seconds_count{op="emit"} 2`,
		`intentd_events_total{type="intent.emitted"} 3`,
	}
	for _, line := range expected {
		if !strings.Contains(out, line) {
			t.Fatalf("missing %q in output:\n%s", line, out)
		}
	}
}

func TestObserveOperationLabelsErrorCode(t *testing.T) {
	ObserveOperation("submit_test", xerrors.New(xerrors.CodeNotFound, ""), time.Millisecond)
	ObserveEvent("intent.test")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `intentd_operations_total{op="submit_test",code="NOT_FOUND"} 1`) {
		t.Fatalf("operation series missing:\n%s", body)
	}
	if !strings.Contains(string(body), `intentd_events_total{type="intent.test"} 1`) {
		t.Fatalf("event series missing:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestEscapeLabelValue(t *testing.T) {
	if got := escape("a\"b\\c\n"); got != `a\"b\\c` {
		t.Fatalf("unexpected escape %q", got)
	}
}
