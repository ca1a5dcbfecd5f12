// Package storage persists the API tokens checked by token authentication.
// MemoryStorage serves tests and single-process setups; GormStorage keeps
// tokens in the configured database.
package storage
