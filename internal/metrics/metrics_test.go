package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"guardline/internal/domain"
	"guardline/internal/events"
)

func TestObserveAuditCountsOutcomes(t *testing.T) {
	m := New(nil)
	v := 0.3
	m.ObserveAudit(domain.AuditEntry{Channel: "bias_v", Operation: "set", Outcome: domain.OutcomeExecuted, RequestedValue: &v})
	m.ObserveAudit(domain.AuditEntry{Channel: "bias_v", Operation: "set", Outcome: domain.OutcomeExecuted, RequestedValue: &v})
	m.ObserveAudit(domain.AuditEntry{Channel: "bias_v", Operation: "set", Outcome: domain.OutcomeBlocked})

	if got := testutil.ToFloat64(m.writes.WithLabelValues("bias_v", "set", domain.OutcomeExecuted)); got != 2 {
		t.Fatalf("expected 2 executed entries, got %f", got)
	}
	if got := testutil.ToFloat64(m.writes.WithLabelValues("bias_v", "set", domain.OutcomeBlocked)); got != 1 {
		t.Fatalf("expected 1 blocked entry, got %f", got)
	}
	if got := testutil.ToFloat64(m.stepValues.WithLabelValues("bias_v")); got != 0.3 {
		t.Fatalf("expected last value 0.3, got %f", got)
	}
}

func TestHandlerExposesJournalStats(t *testing.T) {
	m := New(func() events.Stats {
		return events.Stats{Submitted: 7, Written: 5, Dropped: 2, QueueDepth: 1}
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"guardline_journal_events_submitted_total 7",
		"guardline_journal_events_written_total 5",
		"guardline_journal_events_dropped_total 2",
		"guardline_journal_queue_depth 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
