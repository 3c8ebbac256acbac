// Package diagnostics reports resource usage of the host running the daemon.
//
// The daemon's work directory and scratch space live on local disk, so the
// collector reports usage of the filesystem holding a configured path
// rather than the root filesystem.
package diagnostics
