// Package resources provides the application resources served by gocoapd:
// a key-value store under /kv, an observable clock at /time and build
// information at /version.
//
// Handlers run on the server dispatch goroutine. State changes are
// announced through a Notifier, which queues Observe notifications without
// blocking.
package resources
