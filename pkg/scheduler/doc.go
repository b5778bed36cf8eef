/*
Package scheduler fires workload schedules.

Three kinds: cron (five-field expression evaluated in the daemon's
configured timezone), interval (fixed duration between fires, no burst
catch-up after clock jumps or downtime), and once (a single RFC 3339
instant; the schedule disables itself on fire).

Cron day-of-month and day-of-week use union semantics when both are
restricted. DST transitions advance to the next matching wall-clock
instant: locally skipped times land once on the adjusted instant, and
repeated times fire once, not twice.

Each armed schedule holds one timer in the shared wheel. Fires are
dispatched to the owning supervisor, which drops them with a
skipped_concurrent event if the workload is busy. The lateness of the
most recent fire is exposed as the scheduler_drift health signal.
*/
package scheduler
