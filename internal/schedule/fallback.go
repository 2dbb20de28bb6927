package schedule

import (
	"fmt"
	"sort"

	"crewplan/internal/logging"
	"crewplan/internal/project"
)

// FallbackSchedule spreads packages evenly over the timeline when no model
// schedule could be obtained. Package i gets a contiguous window of
// max(1, weeks/packages) weeks starting at i*weeks/packages (wrapping), even
// progress, and max(1, max/packages) workers per week, capped at perPackageMax
// when it is positive. The result is structurally valid and makes no claim to
// domain quality.
func FallbackSchedule(pkgs []project.WorkPackage, timeline []project.TimelineBlock, r Range, perPackageMax int) []project.WorkPackage {
	out := make([]project.WorkPackage, len(pkgs))
	copy(out, pkgs)
	n, weeks := len(pkgs), len(timeline)
	if n == 0 || weeks == 0 {
		return out
	}

	window := weeks / n
	if window < 1 {
		window = 1
	}
	staff := r.Max / n
	if perPackageMax > 0 && staff > perPackageMax {
		staff = perPackageMax
	}
	if staff < 1 {
		staff = 1
	}

	logging.ScheduleWarn("using fallback schedule for %d packages over %d weeks (%d workers each)", n, weeks, staff)

	for i := range out {
		start := i * weeks / n
		blocks := make([]int, 0, window)
		for j := 0; j < window; j++ {
			blocks = append(blocks, timeline[(start+j)%weeks].WeekID)
		}
		sort.Ints(blocks)

		progress := make(map[int]int, len(blocks))
		staffing := make(map[int]int, len(blocks))
		share, rem := 100/len(blocks), 100%len(blocks)
		for k, w := range blocks {
			progress[w] = share
			if k < rem {
				progress[w]++
			}
			staffing[w] = staff
		}

		out[i].ScheduleBlocks = blocks
		out[i].ProgressPerBlock = progress
		out[i].StaffingPerBlock = staffing
		out[i].SchedulingReasoning = fmt.Sprintf(
			"Fallback schedule: weeks %s assigned by even distribution of %d packages over %d weeks.",
			joinInts(blocks), n, weeks)
	}
	return out
}
