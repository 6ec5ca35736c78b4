package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerServesMetrics(t *testing.T) {
	IncTradesCreated("BTCUSDT")
	SetOrderbookDepth("BTCUSDT", "bid", 5)
	AddMatchingThroughput(3)
	ObserveMatchingLatency(time.Microsecond)
	SetQueueDepth("BTCUSDT", 12)
	IncStreamError("exchange:orders", "matching-group")
	SetStreamPending("exchange:orders", "matching-group", 4)
	IncStreamDLQ("exchange:orders", "matching-group")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"trades_created_total",
		"orderbook_depth",
		"matching_throughput_total",
		"engine_queue_depth",
		"stream_errors_total",
		"stream_pending",
		"stream_dlq_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
