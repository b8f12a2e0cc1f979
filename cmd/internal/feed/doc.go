// Package feed bridges visit-queue domain events from Kafka to realtime clients.
//
// The scheduling backend emits an envelope per queue change on a topic
// (default molar.visits.queue_updated). Consumer turns each one into a
// queue_updated event and fans it out through the realtime publisher. Messages
// that cannot be decoded are committed and skipped so one bad record never
// stalls the partition.
package feed
