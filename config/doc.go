// Package config loads application settings from config.yaml, a .env file
// and environment variables, and validates them. It covers the HTTP server,
// logging, the market-data upstream, circuit breaker, caches, request
// executor, retries, quote relay, peer health checks and metrics.
package config
