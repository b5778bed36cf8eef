/*
Package events provides the in-memory event broker for Sentinel's pub/sub
fan-out.

Supervisors and the coordinator publish typed events (phase transitions,
schedule fires, backpressure drops, health signals); front-end subscribers
receive them over buffered channels. Delivery is strictly non-blocking for
the emitter: a subscriber whose buffer fills is removed and its channel
closed, with Subscription.Lagged reporting the reason. Callers that need to
observe every event must drain promptly or re-subscribe after a drop.

Events carry only identifiers and small metadata maps; log payloads flow
through pkg/storage, not the broker.
*/
package events
