package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
	"github.com/JakeFAU/order-history-scraper/internal/progress/sinks"
	"github.com/JakeFAU/order-history-scraper/internal/stats"
)

// ExampleProgressHandler_Get shows how to serve the /v1/progress/{purpose} endpoint.
func ExampleProgressHandler_Get() {
	latest := sinks.NewLatestSink()
	_ = latest.Consume(context.Background(), []progress.Event{{
		TS:      time.Unix(0, 0).UTC(),
		Stage:   progress.StageStatistics,
		Purpose: "2023, 2024",
		Stats:   stats.Snapshot{Queued: 12, Running: 4, Succeeded: 30, CacheHit: 18},
	}})
	handler := NewProgressHandler(latest, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/progress/2023,%202024", nil)
	req = withPurposeParam(req, "2023, 2024")
	rec := httptest.NewRecorder()
	handler.Get(rec, req)

	var payload struct {
		Progress progressDTO `json:"progress"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("%s: %d queued, %d succeeded\n", payload.Progress.Purpose,
		payload.Progress.Statistics.Queued, payload.Progress.Statistics.Succeeded)
	// Output:
	// 2023, 2024: 12 queued, 30 succeeded
}
