package observe

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetup_ServesRecordedMetrics(t *testing.T) {
	t.Parallel()

	tel, err := Setup(t.Context(), TelemetryConfig{ServiceName: "duplex-test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(t.Context()) })

	tel.Metrics.RecordTextMessage(t.Context(), "sent")
	tel.Metrics.RecordTurnPersisted(t.Context(), "assistant")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"duplex_text_messages",
		"duplex_turns_persisted",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSetup_ShutdownIsClean(t *testing.T) {
	t.Parallel()

	tel, err := Setup(t.Context(), TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := tel.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
