package main

import (
	"net/http"

	"github.com/bagoltermann/momentum-trader-charting/internal/handler"
	"github.com/bagoltermann/momentum-trader-charting/internal/metrics"
)

func setupRouter(api *handler.API, metricsCollector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	api.Register(mux)
	mux.HandleFunc("GET /metrics", metricsCollector.Handler())

	return mux
}
