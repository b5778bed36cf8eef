/*
Package runner spawns and observes a single OS process per Runner.

The argv is started with the configured working directory and the daemon's
environment overlaid by the workload's env map, inside a new process group
so that signals reach descendants. One drainer goroutine per output pipe
frames stdout and stderr into lines (capped at 64 KiB, truncated with a
marker on overflow) and forwards them to the supervisor's line callback.

Wait is resolved exactly once per spawn by a dedicated reaper goroutine,
which delivers the final ExitStatus through the exit callback and closes
Done. Stop sends SIGTERM to the group, waits up to the grace period, then
SIGKILL; the exited notification still flows through the reaper. Resource
usage (cpu fraction, rss, thread count) is sampled on demand via gopsutil.
*/
package runner
