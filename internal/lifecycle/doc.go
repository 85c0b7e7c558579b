// Package lifecycle maintains the durable projection of task state. It folds
// task creation and status events consumed from the manager queue into the
// records of a store.TaskStore.
package lifecycle
