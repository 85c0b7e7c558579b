// Package store defines the persistence interface of the task lifecycle
// records and the errors and transaction helpers shared by its
// implementations. Implementations live under internal/platform.
package store
