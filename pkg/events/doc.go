/*
Package events fans session state transitions and accepted progress samples
out to observers (dashboards, audit log).

One event is published per state transition and per accepted telemetry
sample. Each event carries the session id and a per-session monotonically
increasing sequence number; delivery is at-least-once with slow subscribers
dropped rather than blocking the publisher.
*/
package events
