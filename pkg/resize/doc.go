/*
Package resize computes and validates partition-level resize plans.

The planner is deliberately pure: feed it a partition-table snapshot, a
target disk size and a resize mode, and it returns either a plan or a typed
infeasibility reason naming the partition that cannot be satisfied. No I/O,
no mutable state; the coordinator decides when a plan becomes authoritative.

Three modes:

  - none: 1:1 copy, valid only when the source layout fits the target.
  - shrink_source: proportional reduction respecting each filesystem's
    minimum shrinkable size.
  - grow_target: unresized copy plus a post-clone growth step expanding the
    trailing partition into free space after the transfer completes.
*/
package resize
