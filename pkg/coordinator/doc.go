/*
Package coordinator is the single writer of the workload registry and the
daemon's control surface.

Mutating operations (create/update/delete workload, policies, schedules)
are serialized under the coordinator's lock; reads run concurrently
against supervisor snapshots. Per-workload commands are forwarded to the
owning supervisor and awaited with a bounded timeout; stop and restart
extend the timeout by their grace period.

On startup the coordinator seeds the built-in restart policies (none,
standard, aggressive, conservative), loads all persisted workloads and
schedules, and spawns a supervisor per workload in Idle. Pids from a
previous daemon generation are never re-adopted: a workload whose audit
trail ends in a started marker gets one lost_on_recovery event and, if
its policy restarts on lost, a fresh start.

The coordinator also runs the retention sweep, enforcing the configured
age and record-count ceilings over log and metric history.
*/
package coordinator
