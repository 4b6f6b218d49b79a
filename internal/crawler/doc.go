// Package crawler defines the core types, collaborator interfaces and error
// taxonomy shared by the harvesting engine: the fetcher, the boundary finder,
// the checkpoint store, the crawl driver and the compactor.
package crawler
