// Package pgembed runs an embedded PostgreSQL server for a data
// directory and shares it between every caller that asks for one.
//
// GetServer initializes the cluster on first use, starts the server or
// attaches to one already running, and returns a reference-counted
// handle. References are tracked across processes in a lock record next
// to the cluster, so concurrent programs (or parallel test binaries)
// converge on a single server; the last release anywhere stops it.
package pgembed
