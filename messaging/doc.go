// Package messaging implements the resilient event-bus client used by every
// pipeline stage: a publisher and subscriber with guard-mediated reconnect,
// subscription and destination replay, defensive acknowledgement, and the
// startup requeue that re-emits events for work a dead process left behind.
//
// Delivery is at least once. Callbacks must be idempotent: a negatively
// acknowledged message is redelivered, and a startup-requeue event may race
// a live event for the same logical record.
package messaging
