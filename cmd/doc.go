// Package cmd defines the harvester CLI.
//
// Architecture overview:
//   - crawl: resolves the last listing page with the boundary finder, resumes from the checkpoint log, walks every
//     listing page up to the boundary, fetches each detail link through the retrying fetcher and appends extracted
//     records to the log. Failed links go to the missed-links file. After the walk the log is compacted into the CSV
//     dataset and a run report is published.
//   - compact: rebuilds the dataset from the checkpoint log without touching the network.
//   - retry-missed: re-fetches the missed links into their own checkpoint log and dataset.
//   - Configuration & plumbing: Viper populates config from file, HARVESTER_* env vars and flags; zap provides
//     structured logging; Prometheus metrics and run progress are served on metrics.addr when set; Postgres and
//     Pub/Sub mirrors are enabled by db.dsn and pubsub.topic_name.
//
// Operational notes:
//   - The process reacts to SIGINT/SIGTERM by stopping after the current link. Nothing partial is written, so the
//     next crawl resumes where this one stopped.
//   - Only configuration errors and boundary failures exit non-zero.
package cmd
