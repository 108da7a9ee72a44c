/*
Package progress turns raw agent telemetry into the progress figures shown
to operators.

Agents report cumulative byte counts, possibly duplicated or out of order
after network retries. The tracker enforces the monotonicity invariant
(the counter never regresses), averages the transfer rate over a sliding
window to smooth bursty telemetry, and reports the rate as zero once no
sample has arrived within the staleness deadline.
*/
package progress
