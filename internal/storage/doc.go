// Package storage is the SQLite persistence layer.
//
// It backs the profile store, guild settings, guild directory and the
// one-time schedule store with a single database file.
package storage
