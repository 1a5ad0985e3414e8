// Package progress carries harvest observability events (run, unit and
// fetch milestones) from the pipeline to pluggable sinks. The Hub batches
// events on a background goroutine so emitters never block; sinks export
// them as structured logs or Prometheus metrics.
package progress
