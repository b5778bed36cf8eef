/*
Package health implements optional per-workload liveness probes.

A workload may declare one probe in its HealthCheck spec: exec (run a
command, exit 0 is healthy), http (GET an endpoint, 2xx-3xx is healthy),
or tcp (open a connection). The supervisor runs a Probe for the lifetime
of each Running phase; after the configured number of consecutive
failures the probe reports once and the supervisor treats the run as
failed, feeding the exit through the normal restart policy evaluation.

Probes observe the workload from the outside. They never signal the
process themselves.
*/
package health
