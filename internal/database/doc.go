// Package database provides PostgreSQL persistence for provider connections,
// including pool setup and embedded tern migrations run under an advisory lock.
package database
