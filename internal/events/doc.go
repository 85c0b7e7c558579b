// Package events defines the envelope exchanged over the broker.
//
// An Event carries a creation date, a time-to-live bounding how many times it
// may be reinjected, and exactly one payload variant. Variants are told apart
// on the wire by the "@type" discriminator field:
//   - TaskCreation, Progress, Result, Error, Cancel, Canceled, StatusUpdate: task events
//   - ProgressSignal: weighted progress of a composite run
//   - Shutdown, Monitoring: process level control events
//
// EventHandler and InMemoryEventEmitter let a process fan one decoded event out
// to several local components.
package events
