package resize

import (
	"errors"
	"fmt"
	"time"

	"github.com/duplikit/duplikit/pkg/types"
)

// alignment is the partition placement granularity. Suggested layouts keep
// starts and sizes on 1 MiB boundaries, matching what partitioning tools
// produce on the source side.
const alignment = int64(1) << 20

// ErrInvalidPlan is wrapped by Validate for structural violations:
// overlap, out-of-bounds entries, missing or reordered partitions.
var ErrInvalidPlan = errors.New("invalid resize plan")

// InfeasiblePlanError reports that no valid plan exists for the requested
// mode and target size, naming the partition that cannot be satisfied so an
// operator can pick a different resize mode or target.
type InfeasiblePlanError struct {
	Partition int
	Detail    string
}

func (e *InfeasiblePlanError) Error() string {
	return fmt.Sprintf("resize plan infeasible: partition %d: %s", e.Partition, e.Detail)
}

// minimumSize is the smallest size a partition may be given. A filesystem
// that reports no shrinkable minimum cannot be reduced below its current
// size.
func minimumSize(p types.Partition) int64 {
	if p.MinSize > 0 {
		return p.MinSize
	}
	return p.Size
}

// Suggest computes a plan from a partition-table snapshot, a target disk
// size and the session's resize mode. It is a pure function: no I/O, no
// mutable state. Infeasible shrinks are returned as *InfeasiblePlanError
// rather than silently clipped.
func Suggest(table types.PartitionTable, targetDiskSize int64, mode types.ResizeMode) (*types.ResizePlan, error) {
	if len(table.Partitions) == 0 {
		return nil, fmt.Errorf("%w: empty partition table", ErrInvalidPlan)
	}

	switch mode {
	case types.ResizeModeNone:
		return suggestIdentity(table, targetDiskSize, false)
	case types.ResizeModeGrowTarget:
		return suggestIdentity(table, targetDiskSize, true)
	case types.ResizeModeShrinkSource:
		return suggestShrink(table, targetDiskSize)
	default:
		return nil, fmt.Errorf("%w: unknown resize mode %q", ErrInvalidPlan, mode)
	}
}

// suggestIdentity produces a 1:1 layout. With grow set, the trailing
// partition is additionally given a post-clone growth step consuming the
// free space past the copied layout.
func suggestIdentity(table types.PartitionTable, targetDiskSize int64, grow bool) (*types.ResizePlan, error) {
	last := table.Partitions[len(table.Partitions)-1]
	if last.End() > targetDiskSize {
		return nil, &InfeasiblePlanError{
			Partition: last.Number,
			Detail: fmt.Sprintf("source layout ends at %d but target disk is %d bytes",
				last.End(), targetDiskSize),
		}
	}

	plan := &types.ResizePlan{
		TargetDiskSize: targetDiskSize,
		CreatedAt:      time.Now(),
	}
	for _, p := range table.Partitions {
		plan.Entries = append(plan.Entries, types.ResizeEntry{
			SourcePartition: p.Number,
			TargetStart:     p.Start,
			TargetSize:      p.Size,
		})
	}

	if grow {
		// Keep one alignment unit at the disk tail for the backup
		// partition-table copy.
		grown := targetDiskSize - alignment - last.Start
		grown -= grown % alignment
		if grown > last.Size {
			plan.Growth = &types.GrowthStep{
				Partition: last.Number,
				NewSize:   grown,
			}
		}
	}

	return plan, nil
}

// suggestShrink scales partition sizes proportionally so the layout fits
// the smaller target, respecting each filesystem's minimum shrinkable size.
func suggestShrink(table types.PartitionTable, targetDiskSize int64) (*types.ResizePlan, error) {
	var totalData int64
	for _, p := range table.Partitions {
		totalData += p.Size
	}

	// Non-partition overhead (headers, gaps, backup table) is preserved
	// as-is on the target.
	overhead := table.DiskSize - totalData
	if overhead < 0 {
		return nil, fmt.Errorf("%w: partition sizes exceed disk size", ErrInvalidPlan)
	}
	available := targetDiskSize - overhead
	if available <= 0 {
		return nil, &InfeasiblePlanError{
			Partition: table.Partitions[0].Number,
			Detail:    "target disk smaller than partition-table overhead",
		}
	}

	factor := float64(available) / float64(totalData)
	if factor > 1 {
		factor = 1 // shrink mode never grows partitions
	}

	plan := &types.ResizePlan{
		TargetDiskSize: targetDiskSize,
		CreatedAt:      time.Now(),
	}

	cursor := table.Partitions[0].Start
	var used int64
	for _, p := range table.Partitions {
		size := int64(float64(p.Size) * factor)
		size -= size % alignment
		if size < minimumSize(p) {
			return nil, &InfeasiblePlanError{
				Partition: p.Number,
				Detail: fmt.Sprintf("proportional shrink to %d bytes is below filesystem minimum %d",
					size, minimumSize(p)),
			}
		}
		plan.Entries = append(plan.Entries, types.ResizeEntry{
			SourcePartition: p.Number,
			TargetStart:     cursor,
			TargetSize:      size,
		})
		cursor += size
		used += size
	}

	if used > available {
		// Alignment rounding can only shrink entries, so overflow here
		// means the proportional fit itself does not exist.
		last := table.Partitions[len(table.Partitions)-1]
		return nil, &InfeasiblePlanError{
			Partition: last.Number,
			Detail:    "scaled layout does not fit target disk",
		}
	}

	return plan, nil
}

// Validate checks a plan (suggested or operator-submitted) against the
// partition table and the target disk size. It enforces non-overlap,
// bounds, monotonic source ordering, a complete 1:1 partition mapping, and
// filesystem minimum sizes. The coordinator accepts a plan as authoritative
// only after this passes.
func Validate(plan *types.ResizePlan, table types.PartitionTable, targetDiskSize int64) error {
	if plan == nil {
		return fmt.Errorf("%w: no plan", ErrInvalidPlan)
	}
	if len(plan.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidPlan)
	}
	if plan.TargetDiskSize != targetDiskSize {
		return fmt.Errorf("%w: plan targets a %d byte disk, session target is %d bytes",
			ErrInvalidPlan, plan.TargetDiskSize, targetDiskSize)
	}
	if len(plan.Entries) != len(table.Partitions) {
		return fmt.Errorf("%w: plan has %d entries for %d source partitions",
			ErrInvalidPlan, len(plan.Entries), len(table.Partitions))
	}

	byNumber := make(map[int]types.Partition, len(table.Partitions))
	for _, p := range table.Partitions {
		byNumber[p.Number] = p
	}

	var prevEnd int64
	var prevSource int
	for i, e := range plan.Entries {
		src, ok := byNumber[e.SourcePartition]
		if !ok {
			return fmt.Errorf("%w: entry %d references unknown partition %d",
				ErrInvalidPlan, i, e.SourcePartition)
		}
		if i > 0 && e.SourcePartition <= prevSource {
			return fmt.Errorf("%w: entries must preserve source partition order", ErrInvalidPlan)
		}
		if e.TargetSize <= 0 {
			return fmt.Errorf("%w: partition %d has non-positive size", ErrInvalidPlan, e.SourcePartition)
		}
		if e.TargetStart < prevEnd {
			return fmt.Errorf("%w: partition %d overlaps the previous entry", ErrInvalidPlan, e.SourcePartition)
		}
		if e.TargetStart+e.TargetSize > targetDiskSize {
			return fmt.Errorf("%w: partition %d ends past the target disk", ErrInvalidPlan, e.SourcePartition)
		}
		if e.TargetSize < minimumSize(src) {
			return &InfeasiblePlanError{
				Partition: e.SourcePartition,
				Detail: fmt.Sprintf("size %d below filesystem minimum %d",
					e.TargetSize, minimumSize(src)),
			}
		}
		prevEnd = e.TargetStart + e.TargetSize
		prevSource = e.SourcePartition
	}

	if g := plan.Growth; g != nil {
		last := plan.Entries[len(plan.Entries)-1]
		if g.Partition != last.SourcePartition {
			return fmt.Errorf("%w: growth step must target the trailing partition", ErrInvalidPlan)
		}
		if g.NewSize < last.TargetSize {
			return fmt.Errorf("%w: growth step shrinks partition %d", ErrInvalidPlan, g.Partition)
		}
		if last.TargetStart+g.NewSize > targetDiskSize {
			return fmt.Errorf("%w: grown partition %d ends past the target disk", ErrInvalidPlan, g.Partition)
		}
	}

	return nil
}
