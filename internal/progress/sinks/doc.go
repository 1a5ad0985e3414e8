// Package sinks implements progress consumers: a Prometheus exporter for
// fetch, unit and run counters and a zap sink for debugging event streams.
package sinks
