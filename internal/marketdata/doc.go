// Package marketdata talks to the upstream market-data REST API.
//
// Calls are blocking and return a fully decoded Response: the HTTP body is
// read, closed and parsed before the call returns, so no connection state
// leaves the goroutine that made the request. Callers are expected to run
// these calls through the request executor, never directly.
//
// Access tokens are read from a token file owned by another process. This
// package never writes or refreshes the file; it re-reads it at most once per
// token TTL.
package marketdata
