// Package tracker runs and observes generation jobs.
//
// State of a job is never stored. Dispatcher creates the record and starts a worker in background,
// the worker puts the image at the job's artifact path via temp file and rename, and Resolver derives
// the state from that path on every call:
//
//	no file                      -> pending
//	empty, corrupt or directory  -> failed
//	decodable image              -> completed
//
// A worker that fails writes nothing, so its job stays pending. Setting Resolver.Timeout turns such
// jobs into failed after the timeout; by default they are indistinguishable from slow ones.
package tracker
