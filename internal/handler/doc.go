// Package handler exposes the data layer over HTTP: candle and quote reads,
// relay statistics, and a WebSocket stream of relayed quotes.
package handler
