// Package store keeps generation records in SQLite. A record is the immutable triple of id, prompt
// and artifact folder; it carries no status, the state of a job is derived from its artifact file.
package store
