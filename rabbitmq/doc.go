// Package rabbitmq delivers dispatch messages to RabbitMQ and declares the event topology.
//
// Sender keeps a bounded pool of confirm-mode channels. Every message is published with
// mandatory=true and the call blocks until the broker confirms it: a basic.return maps to
// dispatch.ErrUnroutable and a nack maps to dispatch.ErrNacked, both permanent.
//
// Connector supplies the Sender's channels from one connection and redials it
// once the broker drops it.
package rabbitmq
