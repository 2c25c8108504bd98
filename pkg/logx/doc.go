// Package logx is slotkeeper's structured logging layer.
//
// Logger wraps zerolog and keeps:
//   - console output readable (short timestamp + file:line caller)
//   - file output as JSON lines
//   - an optional chat sink (min level + rate limit) for operators
//
// Loggers derived from a Service follow Service.Apply at runtime, so config
// hot reload changes levels and sinks without rebuilding components.
package logx
