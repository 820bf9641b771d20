// Package logger builds the structured slog logger shared by the service.
package logger
