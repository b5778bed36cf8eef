/*
Package storage provides durable persistence for Sentinel's declared state
and its append-only log/metric history.

Two layers:

  - Store is the transactional contract over five aggregates (workloads,
    policies, schedules, logs, metrics). BoltStore implements it on BoltDB,
    one bucket per aggregate; logs and metrics use one sub-bucket per
    workload, keyed big-endian by sequence number and unix-nano timestamp
    so cursor order matches logical order.

  - Gateway wraps a Store for the hot path. Log lines and metric samples
    are appended through bounded per-workload queues (overflow drops the
    oldest records and reports the count, never blocking the producer),
    micro-batched (default 100 rows or 200 ms), and written with retry and
    exponential backoff. Three consecutive flush failures raise the
    persistence-lag health signal until a write succeeds.

Declared-state mutations are synchronous and atomic; the Gateway passes
them straight through to the Store. The Gateway also owns per-workload log
sequence counters, seeded from the store so sequences keep increasing
across daemon restarts.
*/
package storage
