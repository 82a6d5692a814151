// Package logx provides the shared structured logger.
//
// It wraps zerolog behind a tiny Field-based API so packages do not
// depend on the logging backend directly.
package logx
