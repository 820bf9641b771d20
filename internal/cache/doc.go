// Package cache provides a small generic time-to-live memo used for candle,
// quote and access-token lookups. Entries expire lazily on read; there is no
// background sweep and no capacity bound.
package cache
