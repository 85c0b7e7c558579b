// Package task defines the unit of asynchronous work exchanged over the broker:
// its persisted view, its state machine, the structured error recorded when a
// task body fails, the partial updates folded into the stored view, and the
// registry resolving task names into runnable bodies.
package task
