/*
Package coordinator is the protocol engine for clone sessions.

It owns the per-session state machine and serializes every state-mutating
operation for a session behind that session's lock (single-writer
discipline). Direct-mode sessions move pending → source_ready → cloning →
completed as the two agents call back; staged-mode sessions track the
upload/download ladder in the staging status while the session status moves
pending → cloning → completed.

Guards enforced here rather than in callers:

  - a resize plan must exist before a resizing session starts transferring;
  - completion requires the transferred byte count to reach the known
    total, or an explicit agent signal when the total was never known;
  - terminal sessions accept no mutation: duplicate terminal reports with a
    matching outcome are no-ops, mismatched outcomes are conflicts, and
    cancellation is always idempotent;
  - telemetry never regresses the byte counter.

The coordinator never performs disk I/O: it computes transitions, persists
them through the store, and publishes events. Staged bytes are deleted by
the background sweep calling RunStagingCleanup after the session ends.
*/
package coordinator
