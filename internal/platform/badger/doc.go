// Package badger implements store.TaskStore on an embedded Badger database.
// Records are msgpack encoded and keyed by task id.
package badger
