// Package broker carries task events over an AMQP 0-9-1 broker.
//
// An Interlocutor owns the single connection of a process. It declares the
// fixed queue topology on first use, hands out PublishChannels that track
// publisher confirms, and ConsumeChannels on which a Consumer runs its
// deliver-then-acknowledge loop. Handlers signal whether a failed delivery
// must be requeued or dead-lettered by returning a NackError.
package broker
