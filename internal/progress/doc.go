// Package progress carries crawl milestones from the driver to pluggable
// sinks. Events are batched on a background goroutine so emitting never
// blocks the crawl loop.
package progress
