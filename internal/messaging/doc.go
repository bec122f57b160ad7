// Package messaging implements at-least-once point-to-point and broadcast
// messaging over the shared TTL key-value store. Delivery state lives
// entirely in the store; this package never opens client connections itself.
package messaging
