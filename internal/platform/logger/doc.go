// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels, and carries loggers and correlation ids through contexts
// so that broker deliveries and HTTP requests log with the same fields.
package logger
