/*
Package types defines the core data model shared across Sentinel components.

The model follows a declared/observed split:

  - Workload, RestartPolicy, and Schedule are declared state, persisted via
    pkg/storage and owned (registry-wise) by the coordinator.
  - RuntimeState is observed state, owned exclusively by the workload's
    supervisor, never persisted as a whole, and rebuilt on daemon restart.
  - LogRecord and MetricSample are append-only observations keyed by
    (workload, sequence) and (workload, timestamp) respectively.

Ownership rules are strict: the coordinator is the single writer to the
workload registry, each supervisor is the single writer to its workload's
RuntimeState, and no two components ever mutate the same runtime facet.
*/
package types
