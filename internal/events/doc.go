// Package events defines the structured event emitted for every intent state
// transition and the transports that carry it to the relayer, the watchdog
// and the audit pipeline: an in-process fan-out, a channel queue for tests,
// a Redis list and a RabbitMQ queue.
package events
