// Package logx configures mediacast's structured logging.
//
// Logger is a thin value wrapper over zerolog:
//   - console output keeps a short timestamp and caller
//   - file output is JSON
//   - an optional Telegram sink forwards records above a minimum level, rate limited
package logx
