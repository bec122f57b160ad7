// Package dispatch turns logical workflow step invocations into HTTP calls
// against independently deployed agent services, shielding callers from
// transient network failures with bounded exponential backoff.
package dispatch
