package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// Must not panic
	m.Poll("email", "ok", time.Second)
	m.Ingested("email", "inbound")
	m.Dial(1, nil)
	m.JobFailed("poll", "abandoned")
}

func TestHandler(t *testing.T) {
	m := New()
	m.Ingested("email", "inbound")
	m.Ingested("email", "inbound")
	m.Dial(1, errors.New("refused"))
	m.ReconcileMissing(10)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`unibox_messages_ingested_total{direction="inbound",platform="email"} 2`,
		`unibox_connection_dials_total{result="error"} 1`,
		`unibox_reconcile_missing_total 10`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
