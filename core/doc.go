/*
Package core implements the notification core service.

The core accepts notifications from authenticated producers, persists them
in MongoDB, tracks per-recipient delivery state and fans every state change
out onto the message broker for the delivery fleet. Delivery confirmations
produced by the delivery service flow back through a second exchange and
are applied to the store by the confirmations consumer.
*/
package core
