// Package metrics defines the Prometheus metrics exposed by the migration
// subsystem: agent tick outcomes, per-state driver durations, policy
// decisions, and drain outcomes. Metrics are registered at package init and
// served over the standard promhttp handler.
package metrics
