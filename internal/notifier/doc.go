// Package notifier is the operator channel. ReportAnomaly never blocks the
// caller: anomalies are always logged, then queued for delivery to a chat
// through a worker pool with rate limiting, retry and dedup.
package notifier
