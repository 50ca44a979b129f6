// Package logx provides the process-wide structured logging service.
//
// It wraps zerolog behind a small Logger facade so components can hold a
// logger that stays live across hot config reloads (level changes, sink
// swaps) without re-plumbing. Sinks: console, append-only file, and a
// rate-limited operator-chat sink fed through the bot adapter.
package logx
