// Package healthcheck periodically probes the peer application's quote
// stream status endpoint and keeps the last known availability.
package healthcheck
