/*
Package supervisor implements the per-workload state machine.

One Supervisor per workload. It processes typed commands from the
coordinator and fire triggers from the scheduler on a single goroutine,
strictly serialized, and is the only writer of the workload's
RuntimeState. The phases:

	Idle -> Starting -> Running -> Stopping -> Stopped
	                 \-> Evaluating -> BackingOff -> Starting
	                               \-> Stopped | Failed
	any -> Terminated (delete)

Policy evaluation on exit classifies the exit (a user-initiated stop
always lands in Stopped; exit code 0 without a signal is a success;
everything else, including a spawn failure with its synthetic code, is a
failure), consults the restart policy's exit-code predicates, and either
settles in Stopped/Failed or schedules a backoff timer and enters
BackingOff. The backoff delay is initial_delay scaled by the multiplier
per consecutive failure, capped at max_delay.

Restart is atomic: the stop half and the start half run back to back with
no other command between them. Schedule fires arriving while the workload
is active are dropped with a skipped_concurrent event; they never queue.

Events go to the broker (never blocking), audit lines and metric samples
go to the storage gateway (bounded, drop-oldest), so a slow consumer or
an unavailable store never stalls the state machine.
*/
package supervisor
