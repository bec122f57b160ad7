// Package kv abstracts the shared TTL key-value store backing the reliable
// messenger and the resource pool. The Redis implementation is the production
// backend; the in-memory implementation mirrors its semantics for tests.
package kv
