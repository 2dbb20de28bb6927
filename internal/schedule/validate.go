// Package schedule enforces the numeric invariants a model-produced schedule
// must satisfy: valid weeks, progress summing to 100, bounded staffing, and
// the weekly workforce ceiling across packages.
package schedule

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"crewplan/internal/logging"
	"crewplan/internal/project"
)

// Range is the weekly headcount window across all packages.
type Range = project.WorkforceRange

// RawSchedule is one package's schedule as the model wrote it. Fields stay
// untyped because replies mix numbers, numeric strings and string keys.
type RawSchedule struct {
	PackageID        string `json:"package_id"`
	ScheduleBlocks   any    `json:"schedule_blocks"`
	ProgressPerBlock any    `json:"progress_per_block"`
	StaffingPerBlock any    `json:"staffing_per_block"`
	Reasoning        any    `json:"scheduling_reasoning"`
}

// Schedule is a validated package schedule.
type Schedule struct {
	PackageID string
	Blocks    []int
	Progress  map[int]int
	Staffing  map[int]int
	Reasoning string
}

// Apply copies the schedule onto pkg.
func (s Schedule) Apply(pkg *project.WorkPackage) {
	pkg.ScheduleBlocks = append([]int(nil), s.Blocks...)
	pkg.ProgressPerBlock = copyWeekMap(s.Progress)
	pkg.StaffingPerBlock = copyWeekMap(s.Staffing)
	pkg.SchedulingReasoning = s.Reasoning
}

// ValidateSchedule coerces raw into a schedule that satisfies every
// per-package invariant. It never fails; unusable input is replaced with the
// smallest valid value.
func ValidateSchedule(raw RawSchedule, validWeeks []int, perPackageMax int) Schedule {
	if perPackageMax < 1 {
		perPackageMax = 1
	}
	valid := make(map[int]bool, len(validWeeks))
	for _, w := range validWeeks {
		valid[w] = true
	}

	blocks := coerceBlocks(raw.ScheduleBlocks, valid)
	if len(blocks) == 0 && len(validWeeks) > 0 {
		first := validWeeks[0]
		for _, w := range validWeeks {
			if w < first {
				first = w
			}
		}
		blocks = []int{first}
		logging.ScheduleWarn("package %s: no valid schedule blocks, defaulting to week %d", raw.PackageID, first)
	}

	s := Schedule{
		PackageID: raw.PackageID,
		Blocks:    blocks,
		Progress:  normalizeProgress(weekValues(raw.ProgressPerBlock), blocks),
		Staffing:  clampStaffing(weekValues(raw.StaffingPerBlock), blocks, perPackageMax),
		Reasoning: strings.TrimSpace(toText(raw.Reasoning)),
	}
	if s.Reasoning == "" {
		s.Reasoning = fmt.Sprintf("Package %s scheduled across weeks %s; reasoning not provided by the model.",
			raw.PackageID, joinInts(blocks))
	}
	return s
}

// coerceBlocks reads week ids from a list (or a single value), dropping
// anything non-numeric, outside valid, or repeated. The result is sorted.
func coerceBlocks(v any, valid map[int]bool) []int {
	var items []any
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		items = t
	case []int:
		for _, n := range t {
			items = append(items, n)
		}
	default:
		items = []any{t}
	}

	seen := make(map[int]bool, len(items))
	out := make([]int, 0, len(items))
	for _, it := range items {
		f, ok := toNumber(it)
		if !ok || f != math.Trunc(f) {
			continue
		}
		w := int(f)
		if !valid[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

// weekValues reads a week -> number mapping. Keys and values may be strings
// or numbers; a list of {week, value} pairs is not accepted.
func weekValues(v any) map[int]float64 {
	out := make(map[int]float64)
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			w, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				continue
			}
			if f, ok := toNumber(val); ok {
				out[w] = f
			}
		}
	case map[int]int:
		for k, val := range t {
			out[k] = float64(val)
		}
	case map[int]float64:
		for k, val := range t {
			out[k] = val
		}
	}
	return out
}

// normalizeProgress clamps each retained week to [0,100] and makes the total
// exactly 100. A positive total is rescaled with the rounding residue given to
// the largest entry; a zero total is split evenly, earliest weeks first.
func normalizeProgress(values map[int]float64, blocks []int) map[int]int {
	out := make(map[int]int, len(blocks))
	if len(blocks) == 0 {
		return out
	}

	clamped := make([]float64, len(blocks))
	total := 0.0
	for i, w := range blocks {
		clamped[i] = math.Max(0, math.Min(100, values[w]))
		total += clamped[i]
	}

	if total <= 0 {
		share, rem := 100/len(blocks), 100%len(blocks)
		for i, w := range blocks {
			out[w] = share
			if i < rem {
				out[w]++
			}
		}
		return out
	}

	scale := 100 / total
	sum := 0
	for i, w := range blocks {
		out[w] = int(math.Round(clamped[i] * scale))
		sum += out[w]
	}

	byValue := append([]int(nil), blocks...)
	sort.SliceStable(byValue, func(i, j int) bool { return out[byValue[i]] > out[byValue[j]] })

	residue := 100 - sum
	if residue > 0 {
		out[byValue[0]] += residue
		return out
	}
	// Over 100 only happens with many small entries rounding up; take one unit
	// at a time from the largest entries so none goes negative.
	for residue < 0 {
		for _, w := range byValue {
			if residue == 0 {
				break
			}
			if out[w] > 0 {
				out[w]--
				residue++
			}
		}
	}
	return out
}

func clampStaffing(values map[int]float64, blocks []int, perPackageMax int) map[int]int {
	out := make(map[int]int, len(blocks))
	for _, w := range blocks {
		v, ok := values[w]
		if !ok {
			out[w] = 1
			continue
		}
		n := int(math.Round(v))
		if n < 1 {
			n = 1
		}
		if n > perPackageMax {
			n = perPackageMax
		}
		out[w] = n
	}
	return out
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func copyWeekMap(m map[int]int) map[int]int {
	if m == nil {
		return nil
	}
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
