// observability.go: observability interfaces for charon
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package charon

import "context"

// Logger provides structured logging capabilities for the coprocessor core.
// All logging in the core is optional: a nil Logger disables it.
type Logger interface {
	// Debug logs a debug-level message with optional fields
	Debug(ctx context.Context, msg string, fields ...Field)

	// Info logs an info-level message with optional fields
	Info(ctx context.Context, msg string, fields ...Field)

	// Warn logs a warning-level message with optional fields
	Warn(ctx context.Context, msg string, fields ...Field)

	// Error logs an error-level message with optional fields
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields returns a logger with additional context fields
	WithFields(fields ...Field) Logger
}

// MetricsCollector provides metrics collection capabilities
type MetricsCollector interface {
	// Counter creates or retrieves a counter metric
	Counter(name string, description string, labels ...string) Counter

	// Gauge creates or retrieves a gauge metric
	Gauge(name string, description string, labels ...string) Gauge

	// Histogram creates or retrieves a histogram metric
	Histogram(name string, description string, buckets []float64, labels ...string) Histogram
}

// Counter represents a monotonically increasing counter
type Counter interface {
	// Inc increments the counter by 1
	Inc(ctx context.Context, labels ...string)

	// Add increments the counter by the given value
	Add(ctx context.Context, value float64, labels ...string)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	// Set sets the gauge to the given value
	Set(ctx context.Context, value float64, labels ...string)

	// Inc increments the gauge by 1
	Inc(ctx context.Context, labels ...string)

	// Dec decrements the gauge by 1
	Dec(ctx context.Context, labels ...string)
}

// Histogram represents a distribution of values
type Histogram interface {
	// Observe records a value in the histogram
	Observe(ctx context.Context, value float64, labels ...string)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Helper functions for creating fields
func StringField(key, value string) Field {
	return Field{Key: key, Value: value}
}

func IntField(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Uint64Field(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func BoolField(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}
