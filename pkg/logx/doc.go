// Package logx wraps zerolog for trackerbot: readable console output with a
// short caller, JSON file output, and levels that follow config reloads.
package logx
