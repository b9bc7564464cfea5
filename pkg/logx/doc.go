// Package logx configures timerd's structured logging.
//
// logx.Logger is a thin value type over zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime via Service.Apply
package logx
