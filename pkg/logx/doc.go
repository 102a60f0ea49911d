// Package logx configures cinebot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller) and file output JSON. WARN and
// above can also be forwarded to the operator's Telegram chat with a
// min-level and a rate limit.
package logx
