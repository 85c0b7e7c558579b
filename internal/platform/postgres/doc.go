// Package postgres provides the PostgreSQL implementation of store.TaskStore
// and the embedded schema migrations it runs on.
package postgres
