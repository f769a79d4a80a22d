// Package broker defines the message broker client the order saga uses for
// all cross-service communication.
//
// A Client owns one logical connection. Connect declares the configured
// exchanges and queues, BindQueue routes messages from an exchange to a
// queue, Publish sends JSON payloads and Subscribe runs a handler for every
// delivery on a queue, one message at a time. The handler's result decides
// the acknowledgment: nil acknowledges, an error is retried according to the
// client's RetryPolicy and eventually dead-lettered.
//
// Transports live in sibling packages (rabbitmq, kafka). Memory is an
// in-process transport with the same semantics.
package broker
